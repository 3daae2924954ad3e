package tunnel

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/matst80/relaygate/internal/httpx"
	"github.com/matst80/relaygate/internal/obs"
	"github.com/matst80/relaygate/internal/registry"
	"github.com/matst80/relaygate/internal/relay"
)

// ConsumerParams describe a consumer side session handed to the gateway.
type ConsumerParams struct {
	SessionID         string
	PeerPublicKey     string // provider gateway key
	ConsumerName      string
	ServiceDefinition string
	StepID            string
}

func (p ConsumerParams) validate() error {
	for name, v := range map[string]string{
		"session id": p.SessionID, "peer public key": p.PeerPublicKey,
		"consumer name": p.ConsumerName, "service definition": p.ServiceDefinition,
	} {
		if strings.TrimSpace(v) == "" {
			return fmt.Errorf("%w: %s is blank", relay.ErrValidation, name)
		}
	}
	return nil
}

// ConsumerSession listens on a leased local port for exactly one mutually authenticated TLS
// connection and bridges it to the provider gateway over the relay. Requests from the local
// client are batched when the stream is plain HTTP.
type ConsumerSession struct {
	*bridge
}

// StartConsumer leases a port, creates the relay session, binds the TLS listener and starts
// the session loop. ctx bounds the session's lifetime. On failure every resource taken so
// far is released before the error is returned.
func StartConsumer(ctx context.Context, deps Deps, p ConsumerParams) (*ConsumerSession, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	reg := deps.Registry
	if !reg.Admit(p.PeerPublicKey) {
		return nil, ErrAdmission
	}
	port, ok := reg.Pool().Lease()
	if !ok {
		return nil, fmt.Errorf("%w: no free port", relay.ErrSetup)
	}
	active := registry.NewActiveSession(p.SessionID, port, p.PeerPublicKey, reg.Clock().Now())
	active.ConsumerName = p.ConsumerName
	active.ServiceDefinition = p.ServiceDefinition
	if err := reg.Add(active); err != nil {
		reg.Pool().Release(port)
		return nil, fmt.Errorf("%w: %v", relay.ErrValidation, err)
	}

	c := &ConsumerSession{bridge: newBridge("consumer", deps, p.StepID, active)}
	c.leased = true
	reg.SetThread(p.SessionID, c)

	s, err := deps.Client.CreateSession(ctx, p.PeerPublicKey, p.SessionID, relay.RoleRequester, c.cfg.AckTimeout)
	if err != nil {
		c.abortStart(ctx, err)
		return nil, err
	}
	c.session = s
	if err := c.init(); err != nil {
		err = fmt.Errorf("%w: %v", relay.ErrSetup, err)
		c.abortStart(ctx, err)
		return nil, err
	}
	if err := deps.Client.Listen(ctx, s, c.onMessage); err != nil {
		c.abortStart(ctx, err)
		return nil, err
	}
	c.watch(ctx)
	go c.run(ctx)
	obs.Info("tunnel.consumer.start", obs.Fields{"session": p.SessionID, "port": port, "consumer": p.ConsumerName, "service": p.ServiceDefinition})
	return c, nil
}

// Port is the local port the consumer should connect to.
func (c *ConsumerSession) Port() int { return c.active.LocalPort }

func (c *ConsumerSession) init() error {
	tlsCfg := c.deps.ServerTLS
	if tlsCfg == nil || tlsCfg.ClientAuth != tls.RequireAndVerifyClientCert {
		return errors.New("client certificate authentication is required")
	}
	ln, err := net.Listen("tcp", net.JoinHostPort(c.cfg.BindHost, strconv.Itoa(c.Port())))
	if err != nil {
		return err
	}
	tcp, ok := ln.(*net.TCPListener)
	if !ok {
		_ = ln.Close()
		return fmt.Errorf("unexpected listener %T", ln)
	}
	c.mu.Lock()
	if c.closeStarted {
		c.mu.Unlock()
		_ = ln.Close()
		return errClosing
	}
	c.listener = tls.NewListener(tcp, tlsCfg)
	c.acceptor = tcp
	c.mu.Unlock()
	c.active.SetState(registry.Initialized)
	return nil
}

func (c *ConsumerSession) run(ctx context.Context) {
	defer c.finish(ctx)

	c.active.SetState(registry.Accepting)
	conn, err := c.accept(ctx)
	if err != nil {
		if !c.closing() {
			c.fail("accept", err)
		}
		return
	}
	if !c.setConn(conn) {
		_ = conn.Close()
		return
	}
	c.active.SetState(registry.Relaying)
	c.touch()
	obs.Info("tunnel.consumer.connected", obs.Fields{"session": c.ID(), "remote": httpx.RemoteIP(conn)})

	fwd := httpx.NewForwarder(c.cfg.MaxHeaderSize, c.cfg.MaxBodySize)
	c.pump(ctx, conn, fwd.Feed, fwd.Flush)
}

// accept waits for the single inbound connection and completes its TLS handshake, so a
// client without a valid certificate is refused here.
func (c *ConsumerSession) accept(ctx context.Context) (net.Conn, error) {
	c.mu.Lock()
	ln, acceptor := c.listener, c.acceptor
	c.mu.Unlock()
	if ln == nil {
		return nil, errClosing
	}
	_ = acceptor.SetDeadline(time.Now().Add(c.cfg.AcceptTimeout))
	if c.closing() {
		return nil, errClosing
	}
	conn, err := ln.Accept()
	if err != nil {
		return nil, err
	}
	tconn, ok := conn.(*tls.Conn)
	if !ok {
		_ = conn.Close()
		return nil, fmt.Errorf("unexpected connection %T", conn)
	}
	hctx, cancel := context.WithTimeout(ctx, c.cfg.AcceptTimeout)
	defer cancel()
	if err := tconn.HandshakeContext(hctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("tls handshake: %w", err)
	}
	return tconn, nil
}
