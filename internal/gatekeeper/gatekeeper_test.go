package gatekeeper

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matst80/relaygate/internal/proto"
	"github.com/matst80/relaygate/internal/relay"
	"github.com/matst80/relaygate/internal/sealer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	transport *relay.MemoryTransport
	requester *relay.SessionClient
	responder *relay.SessionClient
	gk        *Responder
}

func newFixture(t *testing.T, ack time.Duration) fixture {
	t.Helper()
	a, err := sealer.Generate()
	require.NoError(t, err)
	b, err := sealer.Generate()
	require.NoError(t, err)
	m := relay.NewMemoryTransport()
	resp := relay.NewSessionClient(m, b)
	gk, err := NewResponder(resp, Config{AckTimeout: ack})
	require.NoError(t, err)
	return fixture{transport: m, requester: relay.NewSessionClient(m, a), responder: resp, gk: gk}
}

// request plays the requester side by hand: wait for the ack, then send one message.
func (f fixture) request(t *testing.T, sessionID string, send func(s *relay.Session) error) {
	t.Helper()
	s, err := f.requester.CreateSession(context.Background(), f.responder.PublicKey(), sessionID, relay.RoleRequester, time.Second)
	require.NoError(t, err)
	go func() {
		ok, err := f.requester.AwaitAck(context.Background(), s)
		if err != nil || !ok {
			return
		}
		_ = send(s)
	}()
}

func gsdRequest() proto.GSDPollRequest {
	return proto.GSDPollRequest{
		RequestedService: proto.ServiceRequirement{ServiceDefinition: "temperature"},
		RequesterCloud:   proto.Cloud{Operator: "acme", Name: "north"},
	}
}

func TestOfferTimesOutWithoutRequest(t *testing.T) {
	f := newFixture(t, time.Second)
	start := time.Now()
	ex, err := f.gk.Offer(context.Background(), f.requester.PublicKey(), "idle")
	elapsed := time.Since(start)
	require.NoError(t, err)
	assert.Nil(t, ex)
	assert.GreaterOrEqual(t, elapsed, time.Second)
	assert.Less(t, elapsed, 3*time.Second)
	for _, q := range []string{"request-idle", "response-idle", "control-idle"} {
		assert.False(t, f.transport.Exists(q), "%s must be released", q)
	}
}

func TestOfferAndReply(t *testing.T) {
	f := newFixture(t, time.Second)
	f.request(t, "s1", func(s *relay.Session) error {
		return f.requester.Send(context.Background(), s, proto.TypeGSDPoll, gsdRequest())
	})

	ex, err := f.gk.Offer(context.Background(), f.requester.PublicKey(), "s1")
	require.NoError(t, err)
	require.NotNil(t, ex)
	assert.Equal(t, Dispatched, ex.State())
	assert.Equal(t, proto.TypeGSDPoll, ex.RequestType)
	req, ok := ex.Request.(*proto.GSDPollRequest)
	require.True(t, ok)
	assert.Equal(t, "temperature", req.RequestedService.ServiceDefinition)

	require.NoError(t, f.gk.Reply(context.Background(), ex, proto.GSDPollResponse{NumOfProviders: 2}))
	assert.Equal(t, Responded, ex.State())
	assert.True(t, ex.session.Sender().Closed())
	assert.ErrorIs(t, f.gk.Reply(context.Background(), ex, proto.GSDPollResponse{}), ErrConsumed)

	body, err := f.transport.Receive(context.Background(), "response-s1", time.Second)
	require.NoError(t, err)
	require.NotNil(t, body)
}

func TestReplySchemaMismatch(t *testing.T) {
	f := newFixture(t, time.Second)
	f.request(t, "s2", func(s *relay.Session) error {
		return f.requester.Send(context.Background(), s, proto.TypeAccessType, proto.AccessTypeRequest{})
	})
	ex, err := f.gk.Offer(context.Background(), f.requester.PublicKey(), "s2")
	require.NoError(t, err)
	require.NotNil(t, ex)

	err = f.gk.Reply(context.Background(), ex, proto.GSDPollResponse{})
	require.ErrorIs(t, err, relay.ErrSchemaMismatch)
	assert.NotErrorIs(t, err, relay.ErrTransport)
	assert.True(t, ex.session.Sender().Closed(), "publisher is released on the failure path too")
	assert.Equal(t, Closed, ex.State())
	assert.ErrorIs(t, f.gk.Reply(context.Background(), ex, proto.AccessTypeResponse{}), ErrConsumed)
}

func TestOfferRejectsForeignSession(t *testing.T) {
	f := newFixture(t, time.Second)
	f.request(t, "s3", func(s *relay.Session) error {
		return f.requester.SendEncrypted(context.Background(), s.Sender(), proto.TypeGSDPoll, "someone-else", gsdRequest(), f.responder.PublicKey())
	})
	ex, err := f.gk.Offer(context.Background(), f.requester.PublicKey(), "s3")
	assert.Nil(t, ex)
	require.ErrorIs(t, err, relay.ErrUnauthorized)
}

func TestOfferRejectsUnexpectedType(t *testing.T) {
	f := newFixture(t, time.Second)
	f.request(t, "s4", func(s *relay.Session) error {
		return f.requester.Send(context.Background(), s, proto.TypeBytes, []byte("GET / HTTP/1.1\r\n\r\n"))
	})
	ex, err := f.gk.Offer(context.Background(), f.requester.PublicKey(), "s4")
	assert.Nil(t, ex)
	require.ErrorIs(t, err, relay.ErrUnauthorized)
	assert.False(t, f.transport.Exists("response-s4"))
}

func TestPollAgainstListeningResponder(t *testing.T) {
	f := newFixture(t, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var handled atomic.Int32
	sub, err := f.gk.Listen(ctx, "gk-b", func(ctx context.Context, ex *Exchange) {
		handled.Add(1)
		req := ex.Request.(*proto.GSDPollRequest)
		assert.NoError(t, f.gk.Reply(ctx, ex, proto.GSDPollResponse{
			ProviderCloud:      proto.Cloud{Operator: "acme", Name: "south"},
			RequiredServiceDef: req.RequestedService.ServiceDefinition,
			NumOfProviders:     1,
		}))
	})
	require.NoError(t, err)
	defer sub.Close()

	poller := NewPoller(f.requester, "gk-a", time.Second)
	var resp proto.GSDPollResponse
	req := gsdRequest()
	require.NoError(t, poller.Poll(ctx, "gk-b", f.responder.PublicKey(), proto.TypeGSDPoll, req, &resp))
	assert.Equal(t, "temperature", resp.RequiredServiceDef)
	assert.Equal(t, "south", resp.ProviderCloud.Name)
	assert.Equal(t, int32(1), handled.Load())
}

func TestPollWithoutResponder(t *testing.T) {
	f := newFixture(t, time.Second)
	poller := NewPoller(f.requester, "gk-a", 50*time.Millisecond)
	var resp proto.GSDPollResponse
	err := poller.Poll(context.Background(), "nobody", f.responder.PublicKey(), proto.TypeGSDPoll, gsdRequest(), &resp)
	assert.ErrorIs(t, err, ErrNoAnswer)

	err = poller.Poll(context.Background(), "nobody", f.responder.PublicKey(), proto.TypeGSDPoll, proto.AccessTypeRequest{}, &resp)
	assert.ErrorIs(t, err, relay.ErrValidation)
}

func TestListenIgnoresReplayedAdvertisements(t *testing.T) {
	f := newFixture(t, 50*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub, err := f.gk.Listen(ctx, "gk-b", func(context.Context, *Exchange) {})
	require.NoError(t, err)
	defer sub.Close()

	for i := 0; i < 2; i++ {
		require.NoError(t, f.requester.Advertise(ctx, "gk-a", "gk-b", f.responder.PublicKey(), "replayed"))
	}
	assert.Eventually(t, func() bool { return f.gk.seen.Contains("replayed") }, time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, f.gk.seen.Len())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "AWAITING_REQUEST", AwaitingRequest.String())
	assert.Equal(t, "UNKNOWN", State(9).String())
}
