package main

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/matst80/relaygate/internal/gatekeeper"
	"github.com/matst80/relaygate/internal/obs"
	"github.com/matst80/relaygate/internal/proto"
	"github.com/matst80/relaygate/internal/registry"
	"github.com/matst80/relaygate/internal/relay"
	"github.com/matst80/relaygate/internal/tunnel"
)

var errUnknownService = errors.New("unknown service")

// gateway ties the gatekeeper exchange to the tunnel sessions of one process.
type gateway struct {
	ctx       context.Context // process lifetime; bounds every tunnel session
	cn        string
	cloud     proto.Cloud
	transport relay.Transport
	client    *relay.SessionClient
	registry  *registry.Registry
	responder *gatekeeper.Responder
	poller    *gatekeeper.Poller
	deps      tunnel.Deps
	catalog   *Catalog

	ready atomic.Bool
}

func (g *gateway) isReady(ctx context.Context) bool {
	return g.ready.Load() && !g.registry.Closing() && g.transport.Alive(ctx)
}

// answer is the gatekeeper handler for requests from remote clouds.
func (g *gateway) answer(ctx context.Context, ex *gatekeeper.Exchange) {
	var (
		resp any
		err  error
	)
	switch req := ex.Request.(type) {
	case *proto.GSDPollRequest:
		resp = g.catalog.gsdPoll(req)
	case *proto.AccessTypeRequest:
		resp = proto.AccessTypeResponse{DirectAccess: g.catalog.DirectAccess}
	case *proto.ICNProposalRequest:
		resp, err = g.proposal(req)
	default:
		err = fmt.Errorf("unexpected request %T", ex.Request)
	}
	if err != nil {
		obs.Error("gateway.answer", obs.Fields{"session": ex.SessionID, "type": string(ex.RequestType), "err": err.Error()})
		return
	}
	if err := g.responder.Reply(ctx, ex, resp); err != nil {
		obs.Error("gateway.reply", obs.Fields{"session": ex.SessionID, "err": err.Error()})
	}
}

// proposal accepts an inter-cloud negotiation. Services behind a mandatory gateway get a
// provider side tunnel session whose id is handed back to the consumer gateway.
func (g *gateway) proposal(req *proto.ICNProposalRequest) (proto.ICNProposalResponse, error) {
	s, ok := g.catalog.find(req.RequestedService.ServiceDefinition)
	if !ok {
		return proto.ICNProposalResponse{}, fmt.Errorf("%w: %s", errUnknownService, req.RequestedService.ServiceDefinition)
	}
	resp := proto.ICNProposalResponse{ProviderSystem: s.ProviderSystem, ServiceURI: s.URI}
	if !s.GatewayMandatory || s.Address == "" {
		return resp, nil
	}
	if req.ConsumerGateway == "" {
		return proto.ICNProposalResponse{}, fmt.Errorf("%w: proposal for %s carries no consumer gateway key", relay.ErrValidation, s.Definition)
	}
	id := relay.NewSessionID()
	if _, err := tunnel.StartProvider(g.ctx, g.deps, tunnel.ProviderParams{
		SessionID:     id,
		PeerPublicKey: req.ConsumerGateway,
		Address:       s.Address,
		ServerName:    s.ServerName,
		StepID:        req.RequesterSystem,
	}); err != nil {
		return proto.ICNProposalResponse{}, err
	}
	resp.UseGateway = true
	resp.PeerSessionID = id
	resp.GatewayPublicKey = g.client.PublicKey()
	return resp, nil
}

// poll asks a remote gatekeeper whether it provides service.
func (g *gateway) poll(ctx context.Context, req proto.ControlRequest) (*proto.GSDPollResponse, error) {
	var resp proto.GSDPollResponse
	err := g.poller.Poll(ctx, req.PeerCN, req.PeerPublicKey, proto.TypeGSDPoll, proto.GSDPollRequest{
		RequestedService: proto.ServiceRequirement{ServiceDefinition: req.Service},
		RequesterCloud:   g.cloud,
		GatewayIsPresent: g.deps.ServerTLS != nil,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// consume negotiates service with a remote cloud and, when its gateway is mandatory, opens
// the consumer side tunnel session for the local consumer.
func (g *gateway) consume(ctx context.Context, req proto.ControlRequest) (proto.ControlResponse, error) {
	if req.Consumer == "" || req.Service == "" {
		return proto.ControlResponse{}, fmt.Errorf("%w: consumer and service are required", relay.ErrValidation)
	}
	var resp proto.ICNProposalResponse
	err := g.poller.Poll(ctx, req.PeerCN, req.PeerPublicKey, proto.TypeICNProposal, proto.ICNProposalRequest{
		RequestedService: proto.ServiceRequirement{ServiceDefinition: req.Service},
		RequesterCloud:   g.cloud,
		RequesterSystem:  req.Consumer,
		ConsumerGateway:  g.client.PublicKey(),
	}, &resp)
	if err != nil {
		return proto.ControlResponse{}, err
	}
	if !resp.UseGateway {
		return proto.ControlResponse{ServiceURI: resp.ServiceURI}, nil
	}
	cs, err := tunnel.StartConsumer(g.ctx, g.deps, tunnel.ConsumerParams{
		SessionID:         resp.PeerSessionID,
		PeerPublicKey:     resp.GatewayPublicKey,
		ConsumerName:      req.Consumer,
		ServiceDefinition: req.Service,
		StepID:            req.Consumer,
	})
	if err != nil {
		return proto.ControlResponse{}, err
	}
	return proto.ControlResponse{SessionID: cs.ID(), Port: cs.Port(), ServiceURI: resp.ServiceURI}, nil
}

func (g *gateway) closeSession(id string) error {
	t, ok := g.registry.Thread(id)
	if !ok {
		return fmt.Errorf("session %s not found", id)
	}
	t.Close("operator request")
	return nil
}

func (g *gateway) sessions() []proto.SessionInfo {
	all := g.registry.Sessions()
	out := make([]proto.SessionInfo, 0, len(all))
	for _, s := range all {
		out = append(out, proto.SessionInfo{
			SessionID:       s.SessionID,
			State:           s.State().String(),
			Port:            s.LocalPort,
			Consumer:        s.ConsumerName,
			Service:         s.ServiceDefinition,
			PeerPublicKey:   s.PeerPublicKey,
			Created:         s.Created,
			LastInteraction: s.LastInteraction(),
		})
	}
	return out
}
