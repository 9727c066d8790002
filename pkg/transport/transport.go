// Package transport defines the blocking HTTP capability consumed by the
// update engine: open a request, inspect the status, then pull the body in
// caller-sized chunks.
package transport

import (
	"context"
	"errors"
)

// ErrTryAgain is returned by Conn.ReadChunk when no data is available yet.
// It is not a failure; callers poll again after a short delay.
var ErrTryAgain = errors.New("transport: no data available, try again")

// Request describes one request/response exchange.
type Request struct {
	Method string
	URL    string
	Body   []byte
	Header map[string]string
}

// Conn is an open exchange whose response headers have been received.
type Conn interface {
	// StatusCode returns the HTTP status of the response.
	StatusCode() int

	// BodyLength returns the announced body size, or -1 if unknown.
	BodyLength() int64

	// ReadChunk copies at most len(p) body bytes into p.
	//
	// It returns n > 0 with a nil error when data was read, 0 and io.EOF once
	// the peer closed the body, and 0 and ErrTryAgain when nothing is
	// available yet. Any other error is fatal for the exchange.
	ReadChunk(p []byte) (int, error)

	// Close releases the exchange.
	Close() error
}

// Opener opens exchanges.
type Opener interface {
	Open(ctx context.Context, req *Request) (Conn, error)
}

// OpenerFunc adapts a function to the Opener interface.
type OpenerFunc func(ctx context.Context, req *Request) (Conn, error)

// Open calls f(ctx, req).
func (f OpenerFunc) Open(ctx context.Context, req *Request) (Conn, error) {
	return f(ctx, req)
}
