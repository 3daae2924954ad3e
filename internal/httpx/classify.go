package httpx

import (
	"bytes"
)

// Answer is the three valued result of inspecting a byte prefix.
type Answer int

const (
	// CanBe means the prefix is still too short to decide.
	CanBe Answer = iota
	Yes
	No
)

func (a Answer) String() string {
	switch a {
	case Yes:
		return "YES"
	case No:
		return "NO"
	}
	return "CAN_BE"
}

// MaxRequestLine bounds how long a request line may grow before the prefix is refuted.
const MaxRequestLine = 8 * 1024

var methods = [][]byte{
	[]byte("GET"), []byte("HEAD"), []byte("POST"), []byte("PUT"), []byte("DELETE"),
	[]byte("CONNECT"), []byte("OPTIONS"), []byte("TRACE"), []byte("PATCH"),
}

// versionPattern is matched byte by byte; 'd' stands for any decimal digit.
var versionPattern = []byte("HTTP/d.d\r\n")

// IsRequestLine decides whether prefix starts with "METHOD SP target SP HTTP/x.y CRLF".
// It answers No on the first byte that cannot belong to such a line.
func IsRequestLine(prefix []byte) Answer {
	sp := bytes.IndexByte(prefix, ' ')
	method := prefix
	if sp >= 0 {
		method = prefix[:sp]
	}
	if !methodMatches(method, sp >= 0) {
		return No
	}
	if sp < 0 {
		return CanBe
	}

	rest := prefix[sp+1:]
	target := rest
	sp = bytes.IndexByte(rest, ' ')
	if sp >= 0 {
		target = rest[:sp]
	}
	for _, b := range target {
		if b < 0x21 || b == 0x7f {
			return No
		}
	}
	if sp == 0 {
		return No
	}
	if sp < 0 {
		if len(prefix) > MaxRequestLine {
			return No
		}
		return CanBe
	}

	version := rest[sp+1:]
	for i, b := range version {
		if i == len(versionPattern) {
			break
		}
		want := versionPattern[i]
		if want == 'd' {
			if b < '0' || b > '9' {
				return No
			}
			continue
		}
		if b != want {
			return No
		}
	}
	if len(version) >= len(versionPattern) {
		return Yes
	}
	return CanBe
}

// methodMatches reports whether m can still be (complete=false) or is (complete=true) a method.
func methodMatches(m []byte, complete bool) bool {
	for _, known := range methods {
		if complete && bytes.Equal(m, known) {
			return true
		}
		if !complete && bytes.HasPrefix(known, m) {
			return true
		}
	}
	return false
}

// IsChunked inspects the header block that follows a confirmed request line. It answers Yes
// as soon as a complete Transfer-Encoding line names chunked, No once the header terminator
// is seen without one, and CanBe before that.
func IsChunked(prefix []byte) Answer {
	eol := bytes.Index(prefix, []byte("\r\n"))
	if eol < 0 {
		return CanBe
	}
	rest := prefix[eol+2:]
	for {
		eol = bytes.Index(rest, []byte("\r\n"))
		if eol < 0 {
			return CanBe
		}
		line := rest[:eol]
		if len(line) == 0 {
			return No
		}
		if colon := bytes.IndexByte(line, ':'); colon > 0 {
			name := bytes.TrimSpace(line[:colon])
			if bytes.EqualFold(name, []byte("Transfer-Encoding")) && hasChunked(string(line[colon+1:])) {
				return Yes
			}
		}
		rest = rest[eol+2:]
	}
}

// Classify maps a prefix to the batching decision: Yes for a non-chunked HTTP request,
// No for anything else, CanBe while undecided.
func Classify(prefix []byte) Answer {
	if r := IsRequestLine(prefix); r != Yes {
		return r
	}
	switch IsChunked(prefix) {
	case Yes:
		return No
	case No:
		return Yes
	}
	return CanBe
}
