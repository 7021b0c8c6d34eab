package readable

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"strings"
	"syscall"

	"github.com/jlaffaye/ftp"
)

// Status classifies the outcome of reading a URL or document. The numeric
// values are persisted and shown to users; never renumber them.
type Status int

const (
	StatusManual          Status = 1   // parsed from supplied content, no fetch
	StatusOK              Status = 200
	StatusForbidden       Status = 403
	StatusNotFound        Status = 404
	StatusTooManyRequests Status = 429
	StatusUnparseable     Status = 900 // no readable content found
	StatusInvalidURL      Status = 901 // url not parseable or not usable
	StatusSocketError     Status = 902
	StatusIncompleteRead  Status = 903
	StatusEmptyDocument   Status = 904 // document parser rejected the input
	StatusBadStatusLine   Status = 905
)

func (s Status) String() string {
	switch s {
	case StatusManual:
		return "manual"
	case StatusOK:
		return "ok"
	case StatusForbidden:
		return "forbidden"
	case StatusNotFound:
		return "not found"
	case StatusTooManyRequests:
		return "too many requests"
	case StatusUnparseable:
		return "unparseable"
	case StatusInvalidURL:
		return "invalid url"
	case StatusSocketError:
		return "socket error"
	case StatusIncompleteRead:
		return "incomplete read"
	case StatusEmptyDocument:
		return "empty document"
	case StatusBadStatusLine:
		return "bad status line"
	}
	if s.IsHTTPError() {
		return fmt.Sprintf("http %d", int(s))
	}
	return fmt.Sprintf("unknown(%d)", int(s))
}

// IsHTTPError reports whether s is an HTTP error code passed through from
// the remote server.
func (s Status) IsHTTPError() bool {
	return s >= 400 && s < 600
}

// Valid reports whether s belongs to the status taxonomy.
func (s Status) Valid() bool {
	switch s {
	case StatusManual, StatusOK, StatusUnparseable, StatusInvalidURL, StatusSocketError,
		StatusIncompleteRead, StatusEmptyDocument, StatusBadStatusLine:
		return true
	}
	return s.IsHTTPError()
}

// ErrDocument wraps failures of the HTML document parser itself.
var ErrDocument = errors.New("document parse error")

// classify maps an error raised while fetching or reading a document onto
// the status taxonomy. The order of the checks matters: document and
// truncation errors can arrive wrapped in network errors.
func classify(err error) (Status, string) {
	var (
		opErr    *net.OpError
		replyErr *textproto.Error
	)
	switch {
	case errors.Is(err, ErrDocument):
		return StatusEmptyDocument, err.Error()
	case errors.Is(err, io.ErrUnexpectedEOF):
		return StatusIncompleteRead, err.Error()
	case isMalformedResponse(err):
		return StatusBadStatusLine, err.Error()
	case errors.As(err, &replyErr):
		return ftpReplyStatus(replyErr.Code), err.Error()
	case errors.As(err, &opErr) && opErr.Op != "dial":
		return StatusSocketError, err.Error()
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE):
		return StatusSocketError, err.Error()
	default:
		return StatusInvalidURL, err.Error()
	}
}

// ftpReplyStatus maps a negative FTP reply onto the status taxonomy.
func ftpReplyStatus(code int) Status {
	switch code {
	case ftp.StatusNotLoggedIn, ftp.StatusInvalidCredentials, ftp.StatusStorNeedAccount:
		return StatusForbidden
	case ftp.StatusFileUnavailable, ftp.StatusFileActionIgnored:
		return StatusNotFound
	case ftp.StatusNotAvailable, ftp.StatusCanNotOpenDataConnection:
		return StatusSocketError
	case ftp.StatusTransfertAborted, ftp.StatusActionAborted:
		return StatusIncompleteRead
	}
	return StatusInvalidURL
}

// net/http reports unreadable status lines with unexported error values,
// so the message is the only stable signal.
func isMalformedResponse(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "malformed HTTP status code") ||
		strings.Contains(msg, "malformed HTTP response") ||
		strings.Contains(msg, "malformed HTTP version")
}
