package proto

import "time"

// Operator control operations accepted by a gateway's control listener.
const (
	OpConsume  = "consume"
	OpPoll     = "poll"
	OpClose    = "close"
	OpSessions = "sessions"
)

// ControlRequest is one JSON line sent by relayctl on the control connection.
type ControlRequest struct {
	Token string `json:"token,omitempty"`
	Op    string `json:"op"`

	PeerCN        string `json:"peerCN,omitempty"`
	PeerPublicKey string `json:"peerPublicKey,omitempty"`
	Service       string `json:"service,omitempty"`
	Consumer      string `json:"consumer,omitempty"`
	SessionID     string `json:"sessionId,omitempty"`
}

// ControlResponse answers a ControlRequest. Error is set when the operation failed.
type ControlResponse struct {
	Error      string           `json:"error,omitempty"`
	SessionID  string           `json:"sessionId,omitempty"`
	Port       int              `json:"port,omitempty"`
	ServiceURI string           `json:"serviceUri,omitempty"`
	Poll       *GSDPollResponse `json:"poll,omitempty"`
	Sessions   []SessionInfo    `json:"sessions,omitempty"`
}

// SessionInfo describes one registered tunnel session.
type SessionInfo struct {
	SessionID       string    `json:"sessionId"`
	State           string    `json:"state"`
	Port            int       `json:"port,omitempty"`
	Consumer        string    `json:"consumer,omitempty"`
	Service         string    `json:"service,omitempty"`
	PeerPublicKey   string    `json:"peerPublicKey"`
	Created         time.Time `json:"created"`
	LastInteraction time.Time `json:"lastInteraction"`
}
