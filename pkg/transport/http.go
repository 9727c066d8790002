package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/golang/glog"
)

// HTTPOpener opens exchanges with a net/http client.
type HTTPOpener struct {
	client *http.Client
	header map[string]string
}

// NewHTTPOpener creates an opener. A nil client gets a default one with a
// ten minute timeout, which covers large firmware bodies on slow links.
func NewHTTPOpener(client *http.Client) *HTTPOpener {
	if client == nil {
		client = &http.Client{
			Timeout: 10 * time.Minute,
		}
	}
	return &HTTPOpener{
		client: client,
		header: make(map[string]string),
	}
}

// SetHeader adds a header sent with every request. Per-request headers win.
func (o *HTTPOpener) SetHeader(key, value string) {
	o.header[key] = value
}

// Open sends the request and waits for the response headers.
func (o *HTTPOpener) Open(ctx context.Context, r *Request) (Conn, error) {
	var body io.Reader
	if len(r.Body) > 0 {
		body = bytes.NewReader(r.Body)
	}

	req, err := http.NewRequestWithContext(ctx, r.Method, r.URL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for k, v := range o.header {
		req.Header.Set(k, v)
	}
	for k, v := range r.Header {
		req.Header.Set(k, v)
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	glog.V(1).Infof("%s %s: %s, Content-Length: %d", r.Method, r.URL, resp.Status, resp.ContentLength)
	return &httpConn{resp: resp}, nil
}

type httpConn struct {
	resp *http.Response
	eof  bool
}

func (c *httpConn) StatusCode() int {
	return c.resp.StatusCode
}

func (c *httpConn) BodyLength() int64 {
	return c.resp.ContentLength
}

func (c *httpConn) ReadChunk(p []byte) (int, error) {
	if c.eof {
		return 0, io.EOF
	}
	if len(p) == 0 {
		return 0, nil
	}

	n, err := c.resp.Body.Read(p)
	if errors.Is(err, io.EOF) {
		c.eof = true
		if n > 0 {
			return n, nil
		}
		return 0, io.EOF
	}
	if err != nil {
		return n, err
	}
	if n == 0 {
		return 0, ErrTryAgain
	}
	return n, nil
}

func (c *httpConn) Close() error {
	return c.resp.Body.Close()
}

// MaxBodySize bounds the bodies ReadAll accepts.
const MaxBodySize = 1 << 20

// ErrBodyTooLarge is returned by ReadAll for bodies over MaxBodySize.
var ErrBodyTooLarge = errors.New("transport: body too large")

// ReadAll drains conn, polling again after delay whenever the conn signals
// ErrTryAgain.
func ReadAll(ctx context.Context, conn Conn, delay time.Duration) ([]byte, error) {
	l := conn.BodyLength()
	if l > MaxBodySize {
		return nil, fmt.Errorf("%w: length %d", ErrBodyTooLarge, l)
	}
	var buf bytes.Buffer
	if l > 0 {
		buf.Grow(int(min(l, 64<<10)))
	}

	chunk := make([]byte, 4096)
	for {
		n, err := conn.ReadChunk(chunk)
		if n > 0 {
			if buf.Len()+n > MaxBodySize {
				return nil, ErrBodyTooLarge
			}
			buf.Write(chunk[:n])
		}
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			return buf.Bytes(), nil
		case errors.Is(err, ErrTryAgain):
			if n > 0 {
				continue
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		default:
			return nil, err
		}
	}
}
