// Package proto defines the relay message types and the typed payloads exchanged between a
// gatekeeper poll requester and responder.
package proto

import "fmt"

// MessageType is the closed set of relay envelope types.
type MessageType string

const (
	TypeAck         MessageType = "ack"
	TypeClose       MessageType = "close"
	TypeBytes       MessageType = "bytes"
	TypeGSDPoll     MessageType = "gsd_poll"
	TypeICNProposal MessageType = "icn_proposal"
	TypeAccessType  MessageType = "access_type"
)

// RequestTypes lists the message types a gatekeeper responder accepts as a poll request.
var RequestTypes = []MessageType{TypeGSDPoll, TypeICNProposal, TypeAccessType}

// Known reports whether t belongs to the closed set.
func (t MessageType) Known() bool {
	switch t {
	case TypeAck, TypeClose, TypeBytes, TypeGSDPoll, TypeICNProposal, TypeAccessType:
		return true
	}
	return false
}

// GeneralAdvertisement is broadcast on the advertisement topic by a poll requester.
// SessionID is sealed for the recipient.
type GeneralAdvertisement struct {
	SenderCN        string `json:"senderCN"`
	SenderPublicKey string `json:"senderPublicKey"`
	RecipientCN     string `json:"recipientCN"`
	SessionID       string `json:"sessionId"`
}

// ServiceRequirement describes the service a consumer is looking for.
type ServiceRequirement struct {
	ServiceDefinition string            `json:"serviceDefinitionRequirement"`
	Interfaces        []string          `json:"interfaceRequirements,omitempty"`
	Metadata          map[string]string `json:"metadataRequirements,omitempty"`
}

// Cloud identifies a local cloud.
type Cloud struct {
	Operator string `json:"operator"`
	Name     string `json:"name"`
}

// GSDPollRequest asks a remote gatekeeper whether its cloud provides a service.
type GSDPollRequest struct {
	RequestedService ServiceRequirement `json:"requestedService"`
	RequesterCloud   Cloud              `json:"requesterCloud"`
	GatewayIsPresent bool               `json:"gatewayIsPresent"`
}

// GSDPollResponse is the answer to a GSDPollRequest.
type GSDPollResponse struct {
	ProviderCloud          Cloud    `json:"providerCloud"`
	RequiredServiceDef     string   `json:"requiredServiceDefinition"`
	AvailableInterfaces    []string `json:"availableInterfaces"`
	NumOfProviders         int      `json:"numOfProviders"`
	GatewayIsMandatory     bool     `json:"gatewayIsMandatory"`
	ServiceMetadataAllowed bool     `json:"serviceMetadataAllowed,omitempty"`
}

// ICNProposalRequest starts an inter-cloud negotiation for a concrete provider.
type ICNProposalRequest struct {
	RequestedService ServiceRequirement `json:"requestedService"`
	RequesterCloud   Cloud              `json:"requesterCloud"`
	RequesterSystem  string             `json:"requesterSystem"`
	ConsumerGateway  string             `json:"consumerGatewayPublicKey,omitempty"`
}

// ICNProposalResponse carries the negotiated provider and, when a gateway is required, the
// connection details of the provider side gateway.
type ICNProposalResponse struct {
	ProviderSystem   string `json:"providerSystem"`
	ServiceURI       string `json:"serviceUri"`
	UseGateway       bool   `json:"useGateway"`
	PeerSessionID    string `json:"peerSessionId,omitempty"`
	GatewayPublicKey string `json:"gatewayPublicKey,omitempty"`
}

// AccessTypeRequest asks whether the remote cloud is reachable directly.
type AccessTypeRequest struct {
	RequesterCloud Cloud `json:"requesterCloud"`
}

// AccessTypeResponse answers an AccessTypeRequest.
type AccessTypeResponse struct {
	DirectAccess bool `json:"directAccess"`
}

// ResponseTypeFor returns the Go type name of the valid response to a request message type.
func ResponseTypeFor(t MessageType) (string, error) {
	switch t {
	case TypeGSDPoll:
		return "GSDPollResponse", nil
	case TypeICNProposal:
		return "ICNProposalResponse", nil
	case TypeAccessType:
		return "AccessTypeResponse", nil
	}
	return "", fmt.Errorf("invalid message type: %s", t)
}

// IsResponseTo reports whether payload is a valid response to a request of type t.
// Both value and pointer forms are accepted.
func IsResponseTo(t MessageType, payload any) bool {
	switch t {
	case TypeGSDPoll:
		switch payload.(type) {
		case GSDPollResponse, *GSDPollResponse:
			return true
		}
	case TypeICNProposal:
		switch payload.(type) {
		case ICNProposalResponse, *ICNProposalResponse:
			return true
		}
	case TypeAccessType:
		switch payload.(type) {
		case AccessTypeResponse, *AccessTypeResponse:
			return true
		}
	}
	return false
}

// IsRequestOf reports whether payload is a valid request body for type t.
func IsRequestOf(t MessageType, payload any) bool {
	switch t {
	case TypeGSDPoll:
		switch payload.(type) {
		case GSDPollRequest, *GSDPollRequest:
			return true
		}
	case TypeICNProposal:
		switch payload.(type) {
		case ICNProposalRequest, *ICNProposalRequest:
			return true
		}
	case TypeAccessType:
		switch payload.(type) {
		case AccessTypeRequest, *AccessTypeRequest:
			return true
		}
	}
	return false
}

// NewRequest returns an empty request value to decode a payload of type t into.
func NewRequest(t MessageType) (any, error) {
	switch t {
	case TypeGSDPoll:
		return &GSDPollRequest{}, nil
	case TypeICNProposal:
		return &ICNProposalRequest{}, nil
	case TypeAccessType:
		return &AccessTypeRequest{}, nil
	}
	return nil, fmt.Errorf("invalid message type: %s", t)
}
