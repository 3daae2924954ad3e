package gatekeeper

import (
	"context"
	"errors"
	"sync"

	"github.com/matst80/relaygate/internal/obs"
	"github.com/matst80/relaygate/internal/proto"
	"github.com/matst80/relaygate/internal/relay"
)

// ErrConsumed is returned by a second Reply on the same exchange.
var ErrConsumed = errors.New("exchange already answered")

// State tracks a one-shot exchange.
type State int

const (
	Idle State = iota
	AwaitingRequest
	Dispatched
	Responded
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case AwaitingRequest:
		return "AWAITING_REQUEST"
	case Dispatched:
		return "DISPATCHED"
	case Responded:
		return "RESPONDED"
	case Closed:
		return "CLOSED"
	}
	return "UNKNOWN"
}

// Exchange is a received poll request bound to the publisher that must answer it.
// It is answered at most once and never reused.
type Exchange struct {
	SessionID     string
	PeerPublicKey string
	RequestType   proto.MessageType
	Request       any // *proto.GSDPollRequest, *proto.ICNProposalRequest or *proto.AccessTypeRequest

	client  *relay.SessionClient
	session *relay.Session

	mu    sync.Mutex
	state State
}

func (e *Exchange) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Exchange) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// take moves a dispatched exchange forward; only the first caller wins.
func (e *Exchange) take() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != Dispatched {
		return false
	}
	e.state = Responded
	return true
}

// Close abandons an exchange without answering and tears its session down.
func (e *Exchange) Close(ctx context.Context) {
	e.mu.Lock()
	if e.state == Closed || e.state == Responded {
		e.mu.Unlock()
		return
	}
	e.state = Closed
	e.mu.Unlock()
	release(ctx, e.client, e.session)
}

// release tears a session down once; a busy destination is left for the requester, which
// owns the session id.
func release(ctx context.Context, c *relay.SessionClient, s *relay.Session) {
	full, err := c.Teardown(context.WithoutCancel(ctx), s)
	if err != nil {
		obs.Warn("gatekeeper.teardown", obs.Fields{"session": s.ID, "err": err.Error()})
		return
	}
	if !full {
		obs.Debug("gatekeeper.teardown.busy", obs.Fields{"session": s.ID})
	}
}
