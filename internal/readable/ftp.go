package readable

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"path"
	"sync"
	"time"

	"github.com/jlaffaye/ftp"
)

// ftpTransport serves ftp:// URLs for the fetcher's HTTP client. A
// retrieved file becomes a 200 response; protocol replies surface as
// *textproto.Error for classify.
type ftpTransport struct {
	timeout time.Duration
}

func (t *ftpTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Method != http.MethodGet {
		return nil, fmt.Errorf("ftp: method %s not supported", req.Method)
	}

	addr := req.URL.Host
	if req.URL.Port() == "" {
		addr = net.JoinHostPort(req.URL.Hostname(), "21")
	}
	opts := []ftp.DialOption{ftp.DialWithContext(req.Context())}
	if t.timeout > 0 {
		opts = append(opts, ftp.DialWithTimeout(t.timeout))
	}
	conn, err := ftp.Dial(addr, opts...)
	if err != nil {
		return nil, err
	}

	user, password := "anonymous", "anonymous"
	if req.URL.User != nil {
		user = req.URL.User.Username()
		if p, ok := req.URL.User.Password(); ok {
			password = p
		}
	}
	if err := conn.Login(user, password); err != nil {
		conn.Quit()
		return nil, err
	}

	file, err := conn.Retr(req.URL.Path)
	if err != nil {
		conn.Quit()
		return nil, err
	}
	if deadline, ok := req.Context().Deadline(); ok {
		file.SetDeadline(deadline)
	}

	header := make(http.Header)
	if ct := mime.TypeByExtension(path.Ext(req.URL.Path)); ct != "" {
		header.Set("Content-Type", ct)
	}
	return &http.Response{
		Status:        "200 OK",
		StatusCode:    http.StatusOK,
		Proto:         "FTP",
		ProtoMajor:    1,
		Header:        header,
		Body:          &ftpBody{file: file, conn: conn},
		ContentLength: -1,
		Request:       req,
	}, nil
}

// ftpBody reads one RETR transfer. The server's closing reply is checked
// at EOF, so a transfer the server aborted reads as truncated.
type ftpBody struct {
	file *ftp.Response
	conn *ftp.ServerConn

	once    sync.Once
	doneErr error
}

func (b *ftpBody) Read(p []byte) (int, error) {
	n, err := b.file.Read(p)
	if errors.Is(err, io.EOF) {
		if cerr := b.finish(); cerr != nil {
			return n, fmt.Errorf("ftp transfer: %w (%v)", io.ErrUnexpectedEOF, cerr)
		}
	}
	return n, err
}

func (b *ftpBody) finish() error {
	b.once.Do(func() {
		b.doneErr = b.file.Close()
	})
	return b.doneErr
}

func (b *ftpBody) Close() error {
	b.finish()
	return b.conn.Quit()
}
