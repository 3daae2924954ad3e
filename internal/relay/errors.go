package relay

import (
	"errors"

	"github.com/matst80/relaygate/internal/sealer"
)

// Fault taxonomy shared by every relay-backed component. Callers match with errors.Is.
var (
	// ErrValidation rejects malformed or missing arguments before any I/O.
	ErrValidation = errors.New("validation fault")
	// ErrTransport covers unreachable brokers and failed publish/subscribe/create calls.
	ErrTransport = errors.New("transport fault")
	// ErrCrypto is raised when a payload cannot be sealed or opened.
	ErrCrypto = sealer.ErrCrypto
	// ErrFormat marks an inbound envelope that is not well formed.
	ErrFormat = errors.New("format fault")
	// ErrEncoding marks a payload that cannot be serialized for its declared message type.
	ErrEncoding = errors.New("encoding fault")
	// ErrUnauthorized marks an envelope whose type or session does not match the receiver.
	ErrUnauthorized = errors.New("unauthorized message on queue")
	// ErrSchemaMismatch marks a reply whose payload does not answer the request it is bound to.
	ErrSchemaMismatch = errors.New("the specified payload is not a valid response to the specified request")
	// ErrSetup marks a local socket or TLS bind failure.
	ErrSetup = errors.New("setup fault")
	// ErrDestinationInUse is returned by Transport.DestroyDestination while a subscriber is attached.
	ErrDestinationInUse = errors.New("destination has active subscribers")
	// ErrClosed is returned when publishing through a released producer or a closed transport.
	ErrClosed = errors.New("relay: closed")
)
