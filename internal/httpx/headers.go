package httpx

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
)

var headerEnd = []byte("\r\n\r\n")

// Header represents a single HTTP header field (case preserved as seen on wire).
type Header struct {
	Name  string
	Value string
}

// RequestHead is a parsed request line plus headers.
type RequestHead struct {
	Method  string
	URI     string
	Proto   string
	Headers []Header
}

// Get returns the first value associated with name (case-insensitive) or empty.
func (p *RequestHead) Get(name string) string {
	for _, h := range p.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// Chunked reports whether any Transfer-Encoding header names the chunked coding.
func (p *RequestHead) Chunked() bool {
	for _, h := range p.Headers {
		if strings.EqualFold(h.Name, "Transfer-Encoding") && hasChunked(h.Value) {
			return true
		}
	}
	return false
}

func hasChunked(v string) bool { return strings.Contains(strings.ToLower(v), "chunked") }

// parseHead parses a CRLF terminated header block (request line included).
func parseHead(head []byte) (*RequestHead, error) {
	reader := bufio.NewReader(bytes.NewReader(head))
	reqLine, err := reader.ReadString('\n')
	if err != nil {
		return nil, err
	}
	reqLine = strings.TrimSuffix(reqLine, "\r\n")
	parts := strings.Split(reqLine, " ")
	if len(parts) != 3 {
		return nil, fmt.Errorf("bad request line: %q", reqLine)
	}
	ph := &RequestHead{Method: parts[0], URI: parts[1], Proto: parts[2]}
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, err
		}
		line = strings.TrimSuffix(line, "\r\n")
		if line == "" {
			break
		}
		colon := strings.Index(line, ":")
		if colon <= 0 {
			continue // skip malformed
		}
		ph.Headers = append(ph.Headers, Header{Name: line[:colon], Value: strings.TrimSpace(line[colon+1:])})
	}
	return ph, nil
}

// RemoteIP extracts the IP portion of a connection's remote address.
func RemoteIP(c net.Conn) string {
	h, _, err := net.SplitHostPort(c.RemoteAddr().String())
	if err != nil {
		return c.RemoteAddr().String()
	}
	return h
}
