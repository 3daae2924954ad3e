package httpx

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
)

const (
	// DefaultMaxHeaderSize bounds a single request's header block.
	DefaultMaxHeaderSize = 32 * 1024
	// DefaultMaxBodySize bounds the Content-Length of a batched request.
	DefaultMaxBodySize = 16 << 20
)

var (
	// ErrChunkedRequest is returned when a later request on a batching connection switches
	// to chunked transfer encoding, which length based reassembly cannot frame.
	ErrChunkedRequest = errors.New("chunked request on a batching connection")
	// ErrInvalidLength is returned for a Content-Length that is not a number, is negative or
	// exceeds the body size bound.
	ErrInvalidLength = errors.New("invalid content length")
	// ErrHeaderTooLarge is returned when no header terminator appears within the size bound.
	ErrHeaderTooLarge = errors.New("header too large")
)

// RequestCache reassembles whole HTTP requests from arbitrarily split reads. A request ends
// after the header terminator plus Content-Length body bytes.
type RequestCache struct {
	buf       []byte
	maxHeader int
	maxBody   int
}

// NewRequestCache returns an empty cache. Non-positive bounds select DefaultMaxHeaderSize
// and DefaultMaxBodySize.
func NewRequestCache(maxHeader, maxBody int) *RequestCache {
	if maxHeader <= 0 {
		maxHeader = DefaultMaxHeaderSize
	}
	if maxBody <= 0 {
		maxBody = DefaultMaxBodySize
	}
	return &RequestCache{maxHeader: maxHeader, maxBody: maxBody}
}

// Append adds data and returns every request completed by it, in order.
func (c *RequestCache) Append(data []byte) ([][]byte, error) {
	c.buf = append(c.buf, data...)
	var out [][]byte
	for len(c.buf) > 0 {
		idx := bytes.Index(c.buf, headerEnd)
		if idx < 0 {
			if len(c.buf) > c.maxHeader {
				return out, fmt.Errorf("%w (%d>%d)", ErrHeaderTooLarge, len(c.buf), c.maxHeader)
			}
			break
		}
		headLen := idx + len(headerEnd)
		head, err := parseHead(c.buf[:headLen])
		if err != nil {
			return out, err
		}
		if head.Chunked() {
			return out, ErrChunkedRequest
		}
		bodyLen := 0
		if v := head.Get("Content-Length"); v != "" {
			bodyLen, err = strconv.Atoi(v)
			if err != nil || bodyLen < 0 {
				return out, fmt.Errorf("%w: %q", ErrInvalidLength, v)
			}
			if bodyLen > c.maxBody {
				return out, fmt.Errorf("%w: %d exceeds %d", ErrInvalidLength, bodyLen, c.maxBody)
			}
		}
		total := headLen + bodyLen
		if len(c.buf) < total {
			break
		}
		out = append(out, append([]byte(nil), c.buf[:total]...))
		c.buf = c.buf[total:]
	}
	if len(c.buf) == 0 {
		c.buf = nil
	}
	return out, nil
}

// Pending returns the number of bytes held for an incomplete request.
func (c *RequestCache) Pending() int { return len(c.buf) }

// Drain returns and forgets any incomplete request bytes.
func (c *RequestCache) Drain() []byte {
	b := c.buf
	c.buf = nil
	return b
}
