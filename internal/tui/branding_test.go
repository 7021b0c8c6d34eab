package tui

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestShowBanner(t *testing.T) {
	var buf bytes.Buffer
	ShowBanner(&buf, "1.0.0-test")

	out := buf.String()
	require.Contains(t, out, "bookmark content pipeline")
	require.Contains(t, out, "v1.0.0-test")
	require.Contains(t, out, "╔")
	require.Contains(t, out, "╝")
}

func TestShowBanner_DevVersion(t *testing.T) {
	var buf bytes.Buffer
	ShowBanner(&buf, "dev")

	require.Contains(t, buf.String(), "bookmark content pipeline")
	require.NotContains(t, buf.String(), "vdev")
}
