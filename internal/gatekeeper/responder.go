package gatekeeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/matst80/relaygate/internal/obs"
	"github.com/matst80/relaygate/internal/proto"
	"github.com/matst80/relaygate/internal/relay"
)

// Config tunes the gatekeeper exchange.
type Config struct {
	AckTimeout      time.Duration
	ReplayCacheSize int
}

func DefaultConfig() Config {
	return Config{AckTimeout: 5 * time.Second, ReplayCacheSize: 1024}
}

// Responder answers poll requests from remote gatekeepers.
type Responder struct {
	client *relay.SessionClient
	cfg    Config
	seen   *lru.Cache[string, struct{}]
}

func NewResponder(client *relay.SessionClient, cfg Config) (*Responder, error) {
	d := DefaultConfig()
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = d.AckTimeout
	}
	if cfg.ReplayCacheSize <= 0 {
		cfg.ReplayCacheSize = d.ReplayCacheSize
	}
	seen, err := lru.New[string, struct{}](cfg.ReplayCacheSize)
	if err != nil {
		return nil, err
	}
	return &Responder{client: client, cfg: cfg, seen: seen}, nil
}

// Offer opens the session, acknowledges it and waits for the request. A nil exchange with a
// nil error means no request arrived within the acknowledgment timeout; the session is
// already released in that case. A request of the wrong type or for another session is an
// authorization fault and the session is released too.
func (r *Responder) Offer(ctx context.Context, peerPublicKey, sessionID string) (*Exchange, error) {
	ex := &Exchange{SessionID: sessionID, PeerPublicKey: peerPublicKey, client: r.client}
	s, err := r.client.CreateSession(ctx, peerPublicKey, sessionID, relay.RoleResponder, r.cfg.AckTimeout)
	if err != nil {
		obs.PollExchangesTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	ex.session = s
	ex.setState(AwaitingRequest)

	body, err := r.client.Handshake(ctx, s)
	if err != nil {
		r.drop(ctx, ex, "error")
		return nil, err
	}
	if body == nil {
		r.drop(ctx, ex, "timeout")
		obs.Debug("gatekeeper.offer.timeout", obs.Fields{"session": sessionID})
		return nil, nil
	}

	msg, err := r.client.Decode(s, body, proto.RequestTypes...)
	if err != nil {
		outcome := "error"
		if errors.Is(err, relay.ErrUnauthorized) {
			outcome = "unauthorized"
		}
		r.drop(ctx, ex, outcome)
		return nil, err
	}
	req, err := proto.NewRequest(msg.Type)
	if err != nil {
		r.drop(ctx, ex, "error")
		return nil, fmt.Errorf("%w: %v", relay.ErrFormat, err)
	}
	if err := msg.Into(req); err != nil {
		r.drop(ctx, ex, "error")
		return nil, err
	}
	ex.RequestType = msg.Type
	ex.Request = req
	ex.setState(Dispatched)
	obs.Info("gatekeeper.offer", obs.Fields{"session": sessionID, "type": string(msg.Type)})
	return ex, nil
}

func (r *Responder) drop(ctx context.Context, ex *Exchange, outcome string) {
	ex.setState(Closed)
	release(ctx, r.client, ex.session)
	obs.PollExchangesTotal.WithLabelValues(outcome).Inc()
}

// Reply answers an exchange. The payload must be the response type matching the request,
// otherwise ErrSchemaMismatch is returned. The exchange's publisher is released on every
// path and the exchange cannot be answered again.
func (r *Responder) Reply(ctx context.Context, ex *Exchange, payload any) error {
	if !ex.take() {
		return ErrConsumed
	}
	defer ex.session.Sender().Close()

	if !proto.IsResponseTo(ex.RequestType, payload) {
		ex.setState(Closed)
		obs.PollExchangesTotal.WithLabelValues("schema_mismatch").Inc()
		want, _ := proto.ResponseTypeFor(ex.RequestType)
		return fmt.Errorf("%w: %s expects %s, got %T", relay.ErrSchemaMismatch, ex.RequestType, want, payload)
	}
	if err := r.client.Send(ctx, ex.session, ex.RequestType, payload); err != nil {
		ex.setState(Closed)
		obs.PollExchangesTotal.WithLabelValues("error").Inc()
		return err
	}
	obs.PollExchangesTotal.WithLabelValues("responded").Inc()
	return nil
}

// Handler answers one dispatched exchange, normally by calling Responder.Reply.
type Handler func(ctx context.Context, ex *Exchange)

// Listen offers an exchange for every advertisement addressed to localCN and hands
// dispatched exchanges to h. Replayed session ids are ignored.
func (r *Responder) Listen(ctx context.Context, localCN string, h Handler) (relay.Subscription, error) {
	return r.client.SubscribeAdvertisements(ctx, localCN, func(adv relay.Advertisement) {
		if seen, _ := r.seen.ContainsOrAdd(adv.SessionID, struct{}{}); seen {
			obs.PollExchangesTotal.WithLabelValues("replay").Inc()
			obs.Warn("gatekeeper.replay", obs.Fields{"session": adv.SessionID, "sender": adv.SenderCN})
			return
		}
		go func() {
			ex, err := r.Offer(ctx, adv.SenderPublicKey, adv.SessionID)
			if err != nil {
				obs.Error("gatekeeper.offer", obs.Fields{"session": adv.SessionID, "sender": adv.SenderCN, "err": err.Error()})
				return
			}
			if ex == nil {
				return
			}
			h(ctx, ex)
			if ex.State() == Dispatched {
				ex.Close(ctx)
			}
		}()
	})
}
