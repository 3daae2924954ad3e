package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/matst80/relaygate/internal/gatekeeper"
	"github.com/matst80/relaygate/internal/obs"
	"github.com/matst80/relaygate/internal/proto"
	"github.com/matst80/relaygate/internal/ratelimit"
	"github.com/matst80/relaygate/internal/registry"
	"github.com/matst80/relaygate/internal/relay"
	"github.com/matst80/relaygate/internal/sealer"
	"github.com/matst80/relaygate/internal/tunnel"
)

func main() {
	flag.Parse()
	if cfg.Debug {
		obs.EnableDebug(true)
	}
	defer obs.Sync()
	if cfg.CommonName == "" {
		obs.Error("config.cn", obs.Fields{"err": "-cn is required"})
		os.Exit(2)
	}
	obs.Info("gateway.start", obs.Fields{"cn": cfg.CommonName, "control": cfg.ControlAddr, "metrics": cfg.MetricsAddr, "ports": []int{cfg.MinPort, cfg.MaxPort}})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	transport, err := relay.NewTransport(relay.TransportConfig{
		RedisAddr:     cfg.RedisAddr,
		RedisPassword: cfg.RedisPassword,
		RedisDB:       cfg.RedisDB,
		KeyPrefix:     cfg.RedisPrefix,
	})
	if err != nil {
		obs.Error("relay.connect", obs.Fields{"err": err.Error(), "addr": cfg.RedisAddr})
		os.Exit(1)
	}
	defer transport.Close()

	keys, err := sealer.LoadOrCreate(cfg.KeyDir)
	if err != nil {
		obs.Error("keys.load", obs.Fields{"err": err.Error(), "dir": cfg.KeyDir})
		os.Exit(1)
	}

	g, err := newGateway(ctx, cfg, transport, keys)
	if err != nil {
		obs.Error("gateway.init", obs.Fields{"err": err.Error()})
		os.Exit(1)
	}
	obs.Info("gateway.keys", obs.Fields{"public_key": keys.PublicKey()})

	go startMetricsServer(cfg.MetricsAddr, g)
	go g.registry.RunSweeper(ctx, cfg.SweepInterval)

	sub, err := g.responder.Listen(ctx, g.cn, g.answer)
	if err != nil {
		obs.Error("gatekeeper.listen", obs.Fields{"err": err.Error()})
		os.Exit(1)
	}
	defer sub.Close()

	var ctrlLn net.Listener
	if cfg.ControlAddr != "" {
		ctrlLn, err = net.Listen("tcp", cfg.ControlAddr)
		if err != nil {
			obs.Error("listen.control", obs.Fields{"err": err.Error(), "addr": cfg.ControlAddr})
			os.Exit(1)
		}
		go acceptControl(ctx, ctrlLn, g, cfg.Token)
	}

	g.ready.Store(true)
	obs.Info("gateway.ready", obs.Fields{})

	<-ctx.Done()
	obs.Info("gateway.shutdown.signal", obs.Fields{})
	g.ready.Store(false)
	if ctrlLn != nil {
		_ = ctrlLn.Close()
	}
	// Sessions were started under ctx, so their teardown must not inherit its cancellation.
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace(cfg))
	defer cancel()
	if err := g.registry.Shutdown(sctx); err != nil {
		obs.Warn("gateway.shutdown", obs.Fields{"err": err.Error()})
	}
	obs.Info("gateway.shutdown.complete", obs.Fields{})
}

// shutdownGrace leaves room for a few teardown attempts per session.
func shutdownGrace(c Config) time.Duration {
	attempts := c.MaxTeardownAttempts
	if attempts <= 0 {
		attempts = 3
	}
	return time.Duration(attempts)*c.TeardownDelay + c.AckTimeout
}

func newGateway(ctx context.Context, c Config, transport relay.Transport, keys sealer.Cryptographer) (*gateway, error) {
	catalog, err := loadCatalog(c.ServicesFile)
	if err != nil {
		return nil, err
	}
	reg, err := registry.New(registry.Config{
		MinPort:     c.MinPort,
		MaxPort:     c.MaxPort,
		IdleTimeout: c.IdleTimeout,
		Admission:   ratelimit.NewAdmission(ratelimit.Config{GlobalRate: c.GlobalRate, PeerRate: c.PeerRate, Burst: c.Burst}, nil),
	})
	if err != nil {
		return nil, err
	}
	client := relay.NewSessionClient(transport, keys)
	responder, err := gatekeeper.NewResponder(client, gatekeeper.Config{AckTimeout: c.AckTimeout})
	if err != nil {
		return nil, err
	}
	deps := tunnel.Deps{
		Client:   client,
		Registry: reg,
		Aborter:  tunnel.LogAborter{},
		Config: tunnel.Config{
			BindHost:            c.BindHost,
			AckTimeout:          c.AckTimeout,
			AcceptTimeout:       c.AcceptTimeout,
			ReadTimeout:         c.ReadTimeout,
			MaxHeaderSize:       c.MaxHeaderSize,
			MaxBodySize:         c.MaxBodySize,
			TeardownDelay:       c.TeardownDelay,
			MaxTeardownAttempts: c.MaxTeardownAttempts,
		},
	}
	if c.TLSCertFile != "" {
		if deps.ServerTLS, err = tunnel.ServerTLSConfig(c.TLSCertFile, c.TLSKeyFile, c.TLSCAFile); err != nil {
			return nil, err
		}
		if deps.ClientTLS, err = tunnel.ClientTLSConfig(c.TLSCertFile, c.TLSKeyFile, c.TLSCAFile); err != nil {
			return nil, err
		}
	} else if c.TLSKeyFile != "" || c.TLSCAFile != "" {
		return nil, errors.New("-tls-cert is required when TLS material is configured")
	} else {
		obs.Warn("gateway.tls.disabled", obs.Fields{"msg": "tunnel sessions need -tls-cert, -tls-key and -tls-ca"})
	}
	cloud := catalog.Cloud
	if cloud.Name == "" {
		cloud = proto.Cloud{Name: c.CommonName}
	}
	return &gateway{
		ctx:       ctx,
		cn:        c.CommonName,
		cloud:     cloud,
		transport: transport,
		client:    client,
		registry:  reg,
		responder: responder,
		poller:    gatekeeper.NewPoller(client, c.CommonName, c.AckTimeout),
		deps:      deps,
		catalog:   catalog,
	}, nil
}
