package gatekeeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/matst80/relaygate/internal/obs"
	"github.com/matst80/relaygate/internal/proto"
	"github.com/matst80/relaygate/internal/relay"
)

// ErrNoAnswer means the remote gatekeeper did not acknowledge or answer in time.
var ErrNoAnswer = errors.New("no answer from remote gatekeeper")

// Poller is the requesting side of the exchange.
type Poller struct {
	client  *relay.SessionClient
	localCN string
	timeout time.Duration
}

func NewPoller(client *relay.SessionClient, localCN string, timeout time.Duration) *Poller {
	if timeout <= 0 {
		timeout = DefaultConfig().AckTimeout
	}
	return &Poller{client: client, localCN: localCN, timeout: timeout}
}

// Poll advertises a fresh session to the remote gatekeeper, waits for its acknowledgment,
// sends request and decodes the typed answer into response.
func (p *Poller) Poll(ctx context.Context, recipientCN, recipientPublicKey string, t proto.MessageType, request, response any) error {
	if !proto.IsRequestOf(t, request) {
		return fmt.Errorf("%w: %T is not a %s request", relay.ErrValidation, request, t)
	}
	sessionID := relay.NewSessionID()
	s, err := p.client.CreateSession(ctx, recipientPublicKey, sessionID, relay.RoleRequester, p.timeout)
	if err != nil {
		return err
	}
	defer release(ctx, p.client, s)

	if err := p.client.Advertise(ctx, p.localCN, recipientCN, recipientPublicKey, sessionID); err != nil {
		return err
	}
	acked, err := p.client.AwaitAck(ctx, s)
	if err != nil {
		return err
	}
	if !acked {
		return ErrNoAnswer
	}
	if err := p.client.Send(ctx, s, t, request); err != nil {
		return err
	}
	msg, err := p.client.Await(ctx, s, t)
	if err != nil {
		return err
	}
	if msg == nil {
		return ErrNoAnswer
	}
	obs.Debug("gatekeeper.poll", obs.Fields{"session": sessionID, "type": string(t), "recipient": recipientCN})
	return msg.Into(response)
}
