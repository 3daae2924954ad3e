package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/matst80/relaygate/internal/obs"
	"github.com/matst80/relaygate/internal/proto"
	"github.com/matst80/relaygate/internal/sealer"
	"go.uber.org/multierr"
)

// Producer is a session scoped publisher handle bound to one destination.
type Producer struct {
	destination string
	role        Role
	closed      atomic.Bool
}

func (p *Producer) Destination() string { return p.destination }

// Close releases the handle. Further sends through it fail with ErrClosed.
func (p *Producer) Close() error { p.closed.Store(true); return nil }
func (p *Producer) Closed() bool { return p.closed.Load() }

// Session holds the handles of one relay session: three destinations sharing the
// session id suffix, the outbound producer and any attached subscriptions.
type Session struct {
	ID            string
	PeerPublicKey string
	Role          Role
	Timeout       time.Duration

	RequestQueue  string
	ResponseQueue string
	ControlQueue  string

	sender *Producer

	mu        sync.Mutex
	subs      []Subscription
	destroyed bool
}

// Sender returns the producer for the queue this side writes to.
func (s *Session) Sender() *Producer { return s.sender }

// Inbound is the queue this side reads from.
func (s *Session) Inbound() string {
	if s.Role == RoleRequester {
		return s.ResponseQueue
	}
	return s.RequestQueue
}

func (s *Session) destinations() []string {
	return []string{s.RequestQueue, s.ResponseQueue, s.ControlQueue}
}

// track registers a subscription so Teardown detaches it.
func (s *Session) track(sub Subscription) {
	s.mu.Lock()
	s.subs = append(s.subs, sub)
	s.mu.Unlock()
}

// SessionClient layers naming, encryption and correlation over a Transport.
type SessionClient struct {
	transport Transport
	crypto    sealer.Cryptographer
}

// NewSessionClient binds a transport and the local key pair.
func NewSessionClient(t Transport, c sealer.Cryptographer) *SessionClient {
	return &SessionClient{transport: t, crypto: c}
}

func (c *SessionClient) PublicKey() string    { return c.crypto.PublicKey() }
func (c *SessionClient) Transport() Transport { return c.transport }

// CreateSession creates the request, response and control destinations for sessionID.
// When any creation fails the destinations already created in this call are destroyed
// before the transport fault is returned.
func (c *SessionClient) CreateSession(ctx context.Context, peerPublicKey, sessionID string, role Role, timeout time.Duration) (*Session, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, fmt.Errorf("%w: empty session id", ErrValidation)
	}
	if _, err := sealer.DecodeKey(peerPublicKey); err != nil {
		return nil, fmt.Errorf("%w: peer public key: %v", ErrValidation, err)
	}
	if !role.valid() {
		return nil, fmt.Errorf("%w: unknown role %q", ErrValidation, role)
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("%w: timeout must be positive", ErrValidation)
	}
	s := &Session{
		ID:            sessionID,
		PeerPublicKey: peerPublicKey,
		Role:          role,
		Timeout:       timeout,
		RequestQueue:  QueueName(RequestPrefix, sessionID),
		ResponseQueue: QueueName(ResponsePrefix, sessionID),
		ControlQueue:  QueueName(ControlPrefix, sessionID),
	}
	var created []string
	for _, dest := range s.destinations() {
		if err := c.transport.CreateDestination(ctx, dest); err != nil {
			var rollback error
			for _, d := range created {
				rollback = multierr.Append(rollback, c.transport.DestroyDestination(context.WithoutCancel(ctx), d))
			}
			if rollback != nil {
				obs.Error("relay.create.rollback", obs.Fields{"session": sessionID, "err": rollback.Error()})
			}
			obs.ErrorsTotal.WithLabelValues("transport").Inc()
			if errors.Is(err, ErrTransport) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: create %s: %v", ErrTransport, dest, err)
		}
		created = append(created, dest)
	}
	out := s.RequestQueue
	if role == RoleResponder {
		out = s.ResponseQueue
	}
	s.sender = &Producer{destination: out, role: role}
	obs.Debug("relay.session.created", obs.Fields{"session": sessionID, "role": string(role)})
	return s, nil
}

// Handshake publishes an acknowledgment on the response queue and waits up to the session
// timeout for the peer's reply on the request queue. A nil body with a nil error means no
// request arrived in time.
func (c *SessionClient) Handshake(ctx context.Context, s *Session) ([]byte, error) {
	if s.Role != RoleResponder {
		return nil, fmt.Errorf("%w: handshake is driven by the responder", ErrValidation)
	}
	if err := c.Send(ctx, s, proto.TypeAck, nil); err != nil {
		return nil, err
	}
	body, err := c.transport.Receive(ctx, s.RequestQueue, s.Timeout)
	if err != nil {
		if errors.Is(err, ErrTransport) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: receive %s: %v", ErrTransport, s.RequestQueue, err)
	}
	return body, nil
}

// AwaitAck is the requester half of the handshake. It reports false when no acknowledgment
// arrived within the session timeout.
func (c *SessionClient) AwaitAck(ctx context.Context, s *Session) (bool, error) {
	msg, err := c.Await(ctx, s, proto.TypeAck)
	if err != nil || msg == nil {
		return false, err
	}
	return true, nil
}

// Await receives the next envelope on the inbound queue and decodes it. A nil message with a
// nil error means the session timeout elapsed.
func (c *SessionClient) Await(ctx context.Context, s *Session, expected ...proto.MessageType) (*Message, error) {
	body, err := c.transport.Receive(ctx, s.Inbound(), s.Timeout)
	if err != nil {
		return nil, err
	}
	if body == nil {
		return nil, nil
	}
	return c.Decode(s, body, expected...)
}

// Decode opens an envelope sent by the session peer. A message type outside expected or a
// session id other than the session's is an authorization fault, never a format fault.
func (c *SessionClient) Decode(s *Session, body []byte, expected ...proto.MessageType) (*Message, error) {
	return c.decode(body, s.PeerPublicKey, s.ID, expected)
}

func (c *SessionClient) decode(body []byte, peerPublicKey, sessionID string, expected []proto.MessageType) (*Message, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: envelope: %v", ErrFormat, err)
	}
	if env.SenderPublicKey != "" && env.SenderPublicKey != peerPublicKey {
		return nil, fmt.Errorf("%w: unexpected sender key", ErrUnauthorized)
	}
	plain, err := c.crypto.Open(env.Payload, peerPublicKey)
	if err != nil {
		return nil, err
	}
	var inner sealedContent
	if err := json.Unmarshal(plain, &inner); err != nil {
		return nil, fmt.Errorf("%w: sealed content: %v", ErrFormat, err)
	}
	if !slices.Contains(expected, inner.MessageType) || inner.SessionID != sessionID ||
		env.MessageType != inner.MessageType || env.SessionID != inner.SessionID {
		obs.ErrorsTotal.WithLabelValues("unauthorized").Inc()
		obs.Warn("relay.unauthorized", obs.Fields{"session": sessionID, "type": string(inner.MessageType)})
		return nil, ErrUnauthorized
	}
	return &Message{Type: inner.MessageType, SessionID: inner.SessionID, Role: inner.Role, Payload: inner.Payload}, nil
}

// Send publishes through the session's own producer.
func (c *SessionClient) Send(ctx context.Context, s *Session, t proto.MessageType, payload any) error {
	return c.SendEncrypted(ctx, s.sender, t, s.ID, payload, s.PeerPublicKey)
}

// SendEncrypted seals payload for peerPublicKey and publishes it on the producer's destination.
func (c *SessionClient) SendEncrypted(ctx context.Context, p *Producer, t proto.MessageType, sessionID string, payload any, peerPublicKey string) error {
	if p == nil {
		return fmt.Errorf("%w: nil producer", ErrValidation)
	}
	if p.Closed() {
		return fmt.Errorf("%w: producer for %s", ErrClosed, p.destination)
	}
	body, err := c.seal(t, sessionID, p.role, payload, peerPublicKey)
	if err != nil {
		return err
	}
	if err := c.transport.Publish(ctx, p.destination, body); err != nil {
		obs.ErrorsTotal.WithLabelValues("transport").Inc()
		if errors.Is(err, ErrTransport) || errors.Is(err, ErrClosed) {
			return err
		}
		return fmt.Errorf("%w: publish %s: %v", ErrTransport, p.destination, err)
	}
	obs.RelayMessagesTotal.WithLabelValues("out").Inc()
	return nil
}

func (c *SessionClient) seal(t proto.MessageType, sessionID string, role Role, payload any, peerPublicKey string) ([]byte, error) {
	raw, err := encodePayload(t, payload)
	if err != nil {
		return nil, err
	}
	plain, err := json.Marshal(sealedContent{MessageType: t, SessionID: sessionID, Role: role, Payload: raw})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncoding, err)
	}
	sealed, err := c.crypto.Seal(plain, peerPublicKey)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(Envelope{MessageType: t, SessionID: sessionID, Payload: sealed, SenderPublicKey: c.crypto.PublicKey()})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncoding, err)
	}
	return body, nil
}

// SendClose notifies every control subscriber of the session that this side is closing.
func (c *SessionClient) SendClose(ctx context.Context, s *Session) error {
	body, err := c.seal(proto.TypeClose, s.ID, s.Role, nil, s.PeerPublicKey)
	if err != nil {
		return err
	}
	if err := c.transport.Broadcast(ctx, s.ControlQueue, body); err != nil {
		return fmt.Errorf("%w: close control: %v", ErrTransport, err)
	}
	return nil
}

// Listen attaches h to the inbound queue and to the control topic of the session.
// Both subscriptions are detached by Teardown.
func (c *SessionClient) Listen(ctx context.Context, s *Session, h Handler) error {
	in, err := c.transport.Subscribe(ctx, s.Inbound(), h)
	if err != nil {
		return fmt.Errorf("%w: subscribe %s: %v", ErrTransport, s.Inbound(), err)
	}
	s.track(in)
	ctl, err := c.transport.SubscribeTopic(ctx, s.ControlQueue, h)
	if err != nil {
		return fmt.Errorf("%w: subscribe %s: %v", ErrTransport, s.ControlQueue, err)
	}
	s.track(ctl)
	return nil
}

// PeerClosed reports whether a control envelope is a close notice from the other side.
// Notices sealed by this side's own role are ignored.
func (c *SessionClient) PeerClosed(s *Session, body []byte) (bool, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return false, fmt.Errorf("%w: envelope: %v", ErrFormat, err)
	}
	// Our own notice is sealed for the peer and cannot be opened here.
	if env.SenderPublicKey == c.crypto.PublicKey() {
		return false, nil
	}
	msg, err := c.Decode(s, body, proto.TypeClose)
	if err != nil {
		return false, err
	}
	return msg.Role != s.Role, nil
}

// Teardown releases handles and destroys the three session destinations. It reports
// fullyClosed=false, without error, while the broker still sees a subscriber; callers
// retry later. Once fully closed, further calls touch nothing.
func (c *SessionClient) Teardown(ctx context.Context, s *Session) (bool, error) {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return true, nil
	}
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()

	var errs error
	for _, sub := range subs {
		errs = multierr.Append(errs, sub.Close())
	}
	if s.sender != nil {
		errs = multierr.Append(errs, s.sender.Close())
	}
	if errs != nil {
		obs.Error("relay.teardown.handles", obs.Fields{"session": s.ID, "err": errs.Error()})
	}

	full := true
	var destroyErr error
	for _, dest := range s.destinations() {
		err := c.transport.DestroyDestination(ctx, dest)
		switch {
		case err == nil:
		case errors.Is(err, ErrDestinationInUse):
			full = false
		default:
			full = false
			destroyErr = multierr.Append(destroyErr, err)
		}
	}
	if !full {
		obs.Debug("relay.teardown.busy", obs.Fields{"session": s.ID})
		return false, destroyErr
	}
	s.mu.Lock()
	s.destroyed = true
	s.mu.Unlock()
	return true, nil
}
