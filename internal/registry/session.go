package registry

import (
	"sync/atomic"
	"time"
)

// State is the lifecycle of a tunnel session.
type State int32

const (
	Created State = iota
	Initialized
	Accepting
	Relaying
	Closing
	Closed
)

var stateNames = [...]string{"CREATED", "INITIALIZED", "ACCEPTING", "RELAYING", "CLOSING", "CLOSED"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "UNKNOWN"
	}
	return stateNames[s]
}

// ActiveSession is the registry's view of a tunnel session. The tunnel owns it; the registry
// and the idle sweeper only reference it.
type ActiveSession struct {
	SessionID         string
	LocalPort         int
	PeerPublicKey     string
	ConsumerName      string
	ServiceDefinition string
	Created           time.Time

	lastInteraction atomic.Int64
	state           atomic.Int32
}

// NewActiveSession returns a session in the Created state touched at now.
func NewActiveSession(id string, port int, peerPublicKey string, now time.Time) *ActiveSession {
	s := &ActiveSession{SessionID: id, LocalPort: port, PeerPublicKey: peerPublicKey, Created: now}
	s.Touch(now)
	return s
}

// Touch records an interaction.
func (s *ActiveSession) Touch(now time.Time) { s.lastInteraction.Store(now.UnixNano()) }

func (s *ActiveSession) LastInteraction() time.Time {
	return time.Unix(0, s.lastInteraction.Load())
}

func (s *ActiveSession) State() State     { return State(s.state.Load()) }
func (s *ActiveSession) SetState(st State) { s.state.Store(int32(st)) }
