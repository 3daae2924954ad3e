package tunnel

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/matst80/relaygate/internal/obs"
	"github.com/matst80/relaygate/internal/proto"
	"github.com/matst80/relaygate/internal/registry"
	"github.com/matst80/relaygate/internal/relay"
)

var (
	// ErrAdmission is returned when the registry refuses a new session for a peer.
	ErrAdmission = errors.New("session admission denied")
	errClosing   = errors.New("session is closing")
)

// Deps are the collaborators shared by every session of a gateway.
type Deps struct {
	Client    *relay.SessionClient
	Registry  *registry.Registry
	Aborter   Aborter
	ServerTLS *tls.Config // consumer side listener, must require client certificates
	ClientTLS *tls.Config // provider side dialer
	Config    Config
}

type deadliner interface {
	SetDeadline(time.Time) error
}

// bridge is the state shared by both tunnel directions: one local socket, one relay session
// and a single lock guarding the socket handle and the close transition.
type bridge struct {
	kind    string
	deps    Deps
	cfg     Config
	stepID  string
	active  *registry.ActiveSession
	session *relay.Session
	leased  bool

	mu           sync.Mutex
	conn         net.Conn
	listener     net.Listener
	acceptor     deadliner
	closeStarted bool
	notifyPeer   bool
	reason       string
	fault        error

	stopCtx func() bool
	done    chan struct{}
}

func newBridge(kind string, deps Deps, stepID string, active *registry.ActiveSession) *bridge {
	if deps.Aborter == nil {
		deps.Aborter = LogAborter{}
	}
	return &bridge{
		kind:   kind,
		deps:   deps,
		cfg:    deps.Config.withDefaults(),
		stepID: stepID,
		active: active,
		done:   make(chan struct{}),
	}
}

func (b *bridge) ID() string            { return b.active.SessionID }
func (b *bridge) State() registry.State { return b.active.State() }

// Close starts the close protocol and returns without waiting for it.
func (b *bridge) Close(reason string) { b.beginClose(reason, true, nil) }

// Wait blocks until the session is CLOSED.
func (b *bridge) Wait(ctx context.Context) error {
	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *bridge) closing() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closeStarted
}

// beginClose is the only transition into CLOSING. Blocked reads and accepts are woken by
// expiring their deadlines; the owning goroutine then runs finish.
func (b *bridge) beginClose(reason string, notify bool, fault error) bool {
	b.mu.Lock()
	if b.closeStarted {
		b.mu.Unlock()
		return false
	}
	b.closeStarted = true
	b.notifyPeer = notify
	b.reason = reason
	b.fault = fault
	conn, acceptor := b.conn, b.acceptor
	b.mu.Unlock()

	b.active.SetState(registry.Closing)
	now := time.Now()
	if conn != nil {
		_ = conn.SetReadDeadline(now)
	}
	if acceptor != nil {
		_ = acceptor.SetDeadline(now)
	}
	obs.Debug("tunnel.closing", obs.Fields{"kind": b.kind, "session": b.ID(), "reason": reason})
	return true
}

func (b *bridge) fail(op string, err error) {
	obs.ErrorsTotal.WithLabelValues(faultType(err)).Inc()
	obs.Error("tunnel."+b.kind+".fault", obs.Fields{"session": b.ID(), "op": op, "err": err.Error()})
	b.beginClose(op+" failed", true, fmt.Errorf("%s: %w", op, err))
}

func faultType(err error) string {
	switch {
	case errors.Is(err, relay.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, relay.ErrCrypto):
		return "crypto"
	case errors.Is(err, relay.ErrFormat):
		return "format"
	case errors.Is(err, relay.ErrTransport):
		return "transport"
	case errors.Is(err, relay.ErrSetup):
		return "setup"
	}
	return "io"
}

// setConn installs the local socket and drops the listener, so at most one connection is
// ever bridged. It reports false once close has started.
func (b *bridge) setConn(conn net.Conn) bool {
	b.mu.Lock()
	if b.closeStarted {
		b.mu.Unlock()
		return false
	}
	b.conn = conn
	ln := b.listener
	b.listener, b.acceptor = nil, nil
	b.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
	return true
}

func (b *bridge) touch() { b.active.Touch(b.deps.Registry.Clock().Now()) }

// watch closes the session when ctx ends.
func (b *bridge) watch(ctx context.Context) {
	b.stopCtx = context.AfterFunc(ctx, func() { b.Close("context done") })
}

// onMessage runs on the transport's delivery goroutine, concurrently with the read loop.
func (b *bridge) onMessage(dest string, body []byte) {
	if dest == b.session.ControlQueue {
		peerClosed, err := b.deps.Client.PeerClosed(b.session, body)
		if err != nil {
			b.fail("control", err)
			return
		}
		if peerClosed {
			b.beginClose("closed by peer", false, nil)
		}
		return
	}

	msg, err := b.deps.Client.Decode(b.session, body, proto.TypeBytes)
	if err != nil {
		b.fail("decode", err)
		return
	}
	b.mu.Lock()
	if b.closeStarted {
		b.mu.Unlock()
		return
	}
	if b.conn == nil {
		b.mu.Unlock()
		obs.Warn("tunnel."+b.kind+".early_data", obs.Fields{"session": b.ID(), "bytes": len(msg.Payload)})
		return
	}
	_ = b.conn.SetWriteDeadline(time.Now().Add(b.cfg.WriteTimeout))
	_, err = b.conn.Write(msg.Payload)
	b.mu.Unlock()
	if err != nil {
		b.fail("write", err)
		return
	}
	b.touch()
	obs.RelayMessagesTotal.WithLabelValues("in").Inc()
	obs.Debug("tunnel."+b.kind+".delivered", obs.Fields{"session": b.ID(), "bytes": len(msg.Payload)})
}

// pump reads the local socket until end of stream, a fault or close, handing every read to
// feed and publishing what it returns in order.
func (b *bridge) pump(ctx context.Context, conn net.Conn, feed func([]byte) ([][]byte, error), flush func() []byte) {
	buf := make([]byte, b.cfg.BufferSize)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(b.cfg.ReadTimeout))
		if b.closing() {
			return
		}
		n, err := conn.Read(buf)
		if n > 0 {
			b.touch()
			msgs, ferr := feed(buf[:n])
			for _, m := range msgs {
				if serr := b.send(ctx, m); serr != nil {
					b.fail("send", serr)
					return
				}
			}
			if ferr != nil {
				b.fail("buffer", ferr)
				return
			}
		}
		if err == nil || errors.Is(err, os.ErrDeadlineExceeded) {
			continue
		}
		if b.closing() {
			return
		}
		if errors.Is(err, io.EOF) {
			if flush != nil {
				if rest := flush(); len(rest) > 0 {
					if serr := b.send(ctx, rest); serr != nil {
						obs.Warn("tunnel."+b.kind+".flush", obs.Fields{"session": b.ID(), "err": serr.Error()})
					}
				}
			}
			b.beginClose("end of stream", true, nil)
			return
		}
		b.fail("read", err)
		return
	}
}

func (b *bridge) send(ctx context.Context, payload []byte) error {
	obs.Debug("tunnel."+b.kind+".forward", obs.Fields{"session": b.ID(), "bytes": len(payload)})
	return b.deps.Client.Send(ctx, b.session, proto.TypeBytes, payload)
}

// finish runs the close protocol: unregister, close sockets, return the port, notify the
// peer when the close is local, then tear the relay session down, retrying while the peer
// is still attached.
func (b *bridge) finish(ctx context.Context) {
	b.beginClose("session ended", true, nil)
	if b.stopCtx != nil {
		b.stopCtx()
	}
	b.mu.Lock()
	conn, ln := b.conn, b.listener
	b.conn, b.listener, b.acceptor = nil, nil, nil
	notify, reason, fault := b.notifyPeer, b.reason, b.fault
	b.mu.Unlock()

	id := b.ID()
	b.deps.Registry.Remove(id)
	if conn != nil {
		_ = conn.Close()
	}
	if ln != nil {
		_ = ln.Close()
	}
	if b.leased {
		b.deps.Registry.Pool().Release(b.active.LocalPort)
	}
	obs.Info("tunnel."+b.kind+".close", obs.Fields{"session": id, "reason": reason})

	if b.session != nil {
		bg := context.WithoutCancel(ctx)
		if notify {
			if err := b.deps.Client.SendClose(bg, b.session); err != nil {
				obs.Warn("tunnel.close_notify", obs.Fields{"session": id, "err": err.Error()})
			}
		}
		full, attempts := b.teardown(ctx)
		if !full && ctx.Err() == nil {
			obs.ErrorsTotal.WithLabelValues("teardown").Inc()
			obs.Warn("tunnel.teardown.abandoned", obs.Fields{"session": id, "attempts": attempts})
			if fault == nil {
				fault = fmt.Errorf("relay destinations still in use after %d teardown attempts", attempts)
			}
		}
	}
	if fault != nil {
		b.deps.Aborter.AbortSession(id, b.stepID, fault.Error())
	}

	b.active.SetState(registry.Closed)
	b.deps.Registry.RemoveThread(id)
	obs.SessionDurationSeconds.Observe(b.deps.Registry.Clock().Since(b.active.Created).Seconds())
	close(b.done)
}

func (b *bridge) teardown(ctx context.Context) (bool, int) {
	bo := &backoff.Backoff{Min: b.cfg.TeardownDelay, Max: b.cfg.TeardownDelay, Factor: 1}
	bg := context.WithoutCancel(ctx)
	for attempt := 1; ; attempt++ {
		full, err := b.deps.Client.Teardown(bg, b.session)
		if err != nil {
			obs.Warn("tunnel.teardown", obs.Fields{"session": b.ID(), "attempt": attempt, "err": err.Error()})
		}
		if full {
			return true, attempt
		}
		if limit := b.cfg.MaxTeardownAttempts; limit > 0 && attempt >= limit {
			return false, attempt
		}
		obs.TeardownRetriesTotal.Inc()
		select {
		case <-ctx.Done():
			return false, attempt
		case <-b.deps.Registry.Clock().After(bo.Duration()):
		}
	}
}

// abortStart closes a session that failed before its loop started. The error goes back to
// the caller, so the aborter is not involved.
func (b *bridge) abortStart(ctx context.Context, err error) {
	obs.ErrorsTotal.WithLabelValues(faultType(err)).Inc()
	obs.Error("tunnel."+b.kind+".start", obs.Fields{"session": b.ID(), "err": err.Error()})
	b.beginClose("start failed", true, nil)
	b.finish(ctx)
}
