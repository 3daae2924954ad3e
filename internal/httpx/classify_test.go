package httpx

import (
	"strings"
	"testing"
)

func TestIsRequestLine(t *testing.T) {
	cases := []struct {
		in   string
		want Answer
	}{
		{"", CanBe},
		{"G", CanBe},
		{"GE", CanBe},
		{"GET", CanBe},
		{"GET ", CanBe},
		{"GET /x", CanBe},
		{"GET /x ", CanBe},
		{"GET /x HTTP/1", CanBe},
		{"GET /x HTTP/1.1\r", CanBe},
		{"GET /x HTTP/1.1\r\n", Yes},
		{"OPTIONS * HTTP/1.0\r\nHost: a\r\n", Yes},
		{"PATCH /a?b=c HTTP/2.0\r\n", Yes},
		{"GEX", No},
		{"get / HTTP/1.1\r\n", No},
		{"\x16\x03\x01\x02\x00", No},
		{"GETS / HTTP/1.1\r\n", No},
		{"GET  / HTTP/1.1\r\n", No},
		{"GET /x HTTP/1.1\n", No},
		{"GET /x HTTX", No},
		{"GET /x HTTP/a", No},
		{"GET /x\r\n", No},
	}
	for _, c := range cases {
		if got := IsRequestLine([]byte(c.in)); got != c.want {
			t.Errorf("IsRequestLine(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestIsRequestLineRefutesOnFirstBadByte(t *testing.T) {
	stream := "SSH-2.0-OpenSSH_9.6\r\n"
	for i := 1; i <= len(stream); i++ {
		got := IsRequestLine([]byte(stream[:i]))
		if i == 1 {
			if got != No {
				t.Fatalf("prefix %q: got %v, want NO on the first byte", stream[:i], got)
			}
		}
		if got != No {
			t.Fatalf("prefix %q: got %v after refutation", stream[:i], got)
		}
	}
}

func TestIsRequestLineOverlongTarget(t *testing.T) {
	in := "GET /" + strings.Repeat("a", MaxRequestLine)
	if got := IsRequestLine([]byte(in)); got != No {
		t.Errorf("overlong target: got %v, want NO", got)
	}
}

func TestIsChunked(t *testing.T) {
	cases := []struct {
		in   string
		want Answer
	}{
		{"POST / HTTP/1.1\r\n", CanBe},
		{"POST / HTTP/1.1\r\nHost: a\r\n", CanBe},
		{"POST / HTTP/1.1\r\nTransfer-Encoding: chunked", CanBe},
		{"POST / HTTP/1.1\r\nTransfer-Encoding: chunked\r\n", Yes},
		{"POST / HTTP/1.1\r\ntransfer-encoding: gzip, Chunked\r\n", Yes},
		{"POST / HTTP/1.1\r\nHost: a\r\n\r\n", No},
		{"POST / HTTP/1.1\r\nTransfer-Encoding: gzip\r\n\r\n", No},
	}
	for _, c := range cases {
		if got := IsChunked([]byte(c.in)); got != c.want {
			t.Errorf("IsChunked(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		in   string
		want Answer
	}{
		{"GET /x HTTP/1.1\r\n", CanBe},
		{"GET /x HTTP/1.1\r\nHost: a\r\n\r\n", Yes},
		{"POST /x HTTP/1.1\r\nTransfer-Encoding: chunked\r\n", No},
		{"hello", No},
	}
	for _, c := range cases {
		if got := Classify([]byte(c.in)); got != c.want {
			t.Errorf("Classify(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestAnswerString(t *testing.T) {
	if Yes.String() != "YES" || No.String() != "NO" || CanBe.String() != "CAN_BE" {
		t.Errorf("unexpected names: %s %s %s", Yes, No, CanBe)
	}
}
