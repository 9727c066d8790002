// Package transporttest provides scripted transport connections for tests.
package transporttest

import (
	"context"
	"io"
	"sync"

	"github.com/iot-go-sdk/fwupdate/pkg/transport"
)

// Step is one scripted ReadChunk result. When Data is non-empty it is
// returned (truncated to the caller's buffer); otherwise Err is returned.
// A Step with neither set returns io.EOF.
type Step struct {
	Data []byte
	Err  error
	// Before is invoked before the step is replayed, e.g. to advance a fake clock.
	Before func()
}

// Conn replays a fixed script of read results.
type Conn struct {
	Status int
	Length int64
	Steps  []Step

	mu     sync.Mutex
	reads  int
	closed bool
}

// StatusCode implements transport.Conn.
func (c *Conn) StatusCode() int { return c.Status }

// BodyLength implements transport.Conn.
func (c *Conn) BodyLength() int64 { return c.Length }

// ReadChunk implements transport.Conn.
func (c *Conn) ReadChunk(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.reads >= len(c.Steps) {
		c.reads++
		return 0, io.EOF
	}
	s := c.Steps[c.reads]
	c.reads++
	if s.Before != nil {
		s.Before()
	}
	if len(s.Data) > 0 {
		return copy(p, s.Data), nil
	}
	if s.Err != nil {
		return 0, s.Err
	}
	return 0, io.EOF
}

// Close implements transport.Conn.
func (c *Conn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

// Reads reports how many ReadChunk calls were made.
func (c *Conn) Reads() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reads
}

// Closed reports whether Close was called.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Body returns a Conn that serves body in chunk-sized steps and then closes.
func Body(status int, body []byte, chunk int) *Conn {
	c := &Conn{Status: status, Length: int64(len(body))}
	for off := 0; off < len(body); off += chunk {
		end := off + chunk
		if end > len(body) {
			end = len(body)
		}
		c.Steps = append(c.Steps, Step{Data: body[off:end]})
	}
	return c
}

// Opener hands out scripted connections keyed by URL and records requests.
type Opener struct {
	mu       sync.Mutex
	conns    map[string][]transport.Conn
	requests []transport.Request
	OpenErr  error
}

// NewOpener creates an empty Opener.
func NewOpener() *Opener {
	return &Opener{conns: make(map[string][]transport.Conn)}
}

// Add queues conn to be returned by the next Open for url.
func (o *Opener) Add(url string, conn transport.Conn) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.conns[url] = append(o.conns[url], conn)
}

// Open implements transport.Opener.
func (o *Opener) Open(_ context.Context, req *transport.Request) (transport.Conn, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.requests = append(o.requests, *req)
	if o.OpenErr != nil {
		return nil, o.OpenErr
	}
	queue := o.conns[req.URL]
	if len(queue) == 0 {
		return &Conn{Status: 404}, nil
	}
	o.conns[req.URL] = queue[1:]
	return queue[0], nil
}

// Requests returns the requests seen so far.
func (o *Opener) Requests() []transport.Request {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]transport.Request(nil), o.requests...)
}
