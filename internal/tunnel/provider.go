package tunnel

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strings"

	"github.com/matst80/relaygate/internal/obs"
	"github.com/matst80/relaygate/internal/registry"
	"github.com/matst80/relaygate/internal/relay"
)

// ProviderParams describe the provider side of a session.
type ProviderParams struct {
	SessionID     string
	PeerPublicKey string // consumer gateway key
	Address       string // provider host:port
	ServerName    string
	StepID        string
}

// ProviderSession dials the provider over TLS and bridges it to the consumer gateway.
// Provider bytes are forwarded as read, without batching.
type ProviderSession struct {
	*bridge
}

// StartProvider creates the relay session, connects to the provider and starts relaying.
func StartProvider(ctx context.Context, deps Deps, p ProviderParams) (*ProviderSession, error) {
	if strings.TrimSpace(p.SessionID) == "" || strings.TrimSpace(p.PeerPublicKey) == "" || strings.TrimSpace(p.Address) == "" {
		return nil, fmt.Errorf("%w: session id, peer public key and address are required", relay.ErrValidation)
	}
	if deps.ClientTLS == nil {
		return nil, fmt.Errorf("%w: provider TLS configuration missing", relay.ErrSetup)
	}
	reg := deps.Registry
	if !reg.Admit(p.PeerPublicKey) {
		return nil, ErrAdmission
	}
	active := registry.NewActiveSession(p.SessionID, 0, p.PeerPublicKey, reg.Clock().Now())
	if err := reg.Add(active); err != nil {
		return nil, fmt.Errorf("%w: %v", relay.ErrValidation, err)
	}
	ps := &ProviderSession{bridge: newBridge("provider", deps, p.StepID, active)}
	reg.SetThread(p.SessionID, ps)

	s, err := deps.Client.CreateSession(ctx, p.PeerPublicKey, p.SessionID, relay.RoleResponder, ps.cfg.AckTimeout)
	if err != nil {
		ps.abortStart(ctx, err)
		return nil, err
	}
	ps.session = s
	ps.active.SetState(registry.Initialized)

	conn, err := ps.dial(ctx, p)
	if err != nil {
		err = fmt.Errorf("%w: %v", relay.ErrSetup, err)
		ps.abortStart(ctx, err)
		return nil, err
	}
	if !ps.setConn(conn) {
		_ = conn.Close()
		ps.finish(ctx)
		return nil, errClosing
	}
	if err := deps.Client.Listen(ctx, s, ps.onMessage); err != nil {
		ps.abortStart(ctx, err)
		return nil, err
	}
	ps.active.SetState(registry.Relaying)
	ps.watch(ctx)
	go ps.run(ctx, conn)
	obs.Info("tunnel.provider.start", obs.Fields{"session": p.SessionID, "provider": p.Address})
	return ps, nil
}

func (ps *ProviderSession) dial(ctx context.Context, p ProviderParams) (net.Conn, error) {
	cfg := ps.deps.ClientTLS.Clone()
	if p.ServerName != "" {
		cfg.ServerName = p.ServerName
	} else if cfg.ServerName == "" {
		host, _, err := net.SplitHostPort(p.Address)
		if err != nil {
			return nil, err
		}
		cfg.ServerName = host
	}
	d := &tls.Dialer{NetDialer: &net.Dialer{Timeout: ps.cfg.DialTimeout}, Config: cfg}
	return d.DialContext(ctx, "tcp", p.Address)
}

func (ps *ProviderSession) run(ctx context.Context, conn net.Conn) {
	defer ps.finish(ctx)
	ps.pump(ctx, conn, func(b []byte) ([][]byte, error) {
		return [][]byte{append([]byte(nil), b...)}, nil
	}, nil)
}
