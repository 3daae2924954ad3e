package httpx

import (
	"github.com/matst80/relaygate/internal/obs"
)

// Forwarder turns local socket reads into relay messages. The first bytes of a connection
// are classified once: non-HTTP and chunked HTTP streams pass every read through as is,
// plain HTTP requests are batched one request per message.
//
// A Forwarder is owned by a single read loop and is not safe for concurrent use.
type Forwarder struct {
	prefix     []byte
	classified bool
	batching   bool
	maxHeader  int
	cache      *RequestCache
}

// NewForwarder returns an unclassified forwarder. Non-positive bounds select the defaults.
func NewForwarder(maxHeader, maxBody int) *Forwarder {
	if maxHeader <= 0 {
		maxHeader = DefaultMaxHeaderSize
	}
	return &Forwarder{maxHeader: maxHeader, cache: NewRequestCache(maxHeader, maxBody)}
}

func (f *Forwarder) Classified() bool { return f.classified }
func (f *Forwarder) Batching() bool   { return f.batching }

// Feed consumes one read and returns the messages to send, possibly none.
func (f *Forwarder) Feed(chunk []byte) ([][]byte, error) {
	if f.classified {
		if !f.batching {
			return [][]byte{append([]byte(nil), chunk...)}, nil
		}
		return f.batch(chunk)
	}

	f.prefix = append(f.prefix, chunk...)
	answer := Classify(f.prefix)
	if answer == CanBe && len(f.prefix) > f.maxHeader {
		answer = No
	}
	switch answer {
	case No:
		f.classified = true
		out := f.prefix
		f.prefix = nil
		obs.Debug("httpx.classified", obs.Fields{"batching": false, "bytes": len(out)})
		return [][]byte{out}, nil
	case Yes:
		f.classified, f.batching = true, true
		held := f.prefix
		f.prefix = nil
		obs.Debug("httpx.classified", obs.Fields{"batching": true, "bytes": len(held)})
		return f.batch(held)
	}
	return nil, nil
}

func (f *Forwarder) batch(data []byte) ([][]byte, error) {
	out, err := f.cache.Append(data)
	obs.BatchedRequestsTotal.Add(float64(len(out)))
	return out, err
}

// Flush returns every byte held back so far, for end of stream.
func (f *Forwarder) Flush() []byte {
	held := f.prefix
	f.prefix = nil
	return append(held, f.cache.Drain()...)
}
