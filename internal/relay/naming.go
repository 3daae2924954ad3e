package relay

import (
	"github.com/google/uuid"
)

// Queue name prefixes. Peers compute each other's destinations as <prefix>-<sessionId>.
const (
	RequestPrefix  = "request"
	ResponsePrefix = "response"
	ControlPrefix  = "control"

	// AdvertisementTopic carries general advertisements from poll requesters to gatekeepers.
	AdvertisementTopic = "General-M5QTZXM9G9AnpPHWT6WennWu"
)

// Role selects which of the session queues a side writes to.
type Role string

const (
	// RoleRequester writes the request queue and reads the response queue.
	RoleRequester Role = "requester"
	// RoleResponder writes the response queue and reads the request queue.
	RoleResponder Role = "responder"
)

func (r Role) valid() bool { return r == RoleRequester || r == RoleResponder }

// QueueName derives a session destination name.
func QueueName(prefix, sessionID string) string { return prefix + "-" + sessionID }

// NewSessionID returns a fresh, never reused session identifier.
func NewSessionID() string { return uuid.New().String() }
