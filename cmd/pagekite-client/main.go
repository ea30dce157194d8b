package main

import (
	"context"
	"crypto/tls"
	"flag"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pagekite/upk-go/internal/admin"
	"github.com/pagekite/upk-go/internal/config"
	"github.com/pagekite/upk-go/internal/dispatch"
	"github.com/pagekite/upk-go/internal/httpserver"
	"github.com/pagekite/upk-go/internal/kite"
	"github.com/pagekite/upk-go/internal/locallistener"
	"github.com/pagekite/upk-go/internal/metrics"
	"github.com/pagekite/upk-go/internal/proxydial"
	"github.com/pagekite/upk-go/internal/rawproxy"
	"github.com/pagekite/upk-go/internal/relayconn"
	"github.com/pagekite/upk-go/internal/reqbody"
	"github.com/pagekite/upk-go/internal/supervisor"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration file")
	adminAddr := flag.String("admin", "", "address to serve the admin observability endpoint on, e.g. 127.0.0.1:9191")
	metricsAddr := flag.String("metrics", "", "address to serve Prometheus metrics on, e.g. 127.0.0.1:9192")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	var kiteName, kiteSecret string
	if flag.NArg() >= 2 {
		kiteName, kiteSecret = flag.Arg(0), flag.Arg(1)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLevel(*logLevel),
	})))

	cfg, err := config.Load(*configPath, kiteName, kiteSecret)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	kites := buildKites(cfg)
	sup := supervisor.New(kites, supervisorConfig(cfg), slog.Default())

	if err := startLocalListener(ctx, cfg, kites); err != nil {
		slog.Error("failed to start local listener", "err", err)
		os.Exit(1)
	}

	if *metricsAddr != "" {
		cfg.Metrics.ListenAddr = *metricsAddr
	}
	if cfg.Metrics.ListenAddr != "" {
		go func() {
			if err := metrics.NewServer(cfg.Metrics.ListenAddr).Serve(ctx); err != nil {
				slog.Error("metrics server exited", "err", err)
			}
		}()
	}

	if *adminAddr != "" {
		adm := admin.New(*adminAddr, slog.Default())
		adm.Attach(sup)
		go func() {
			if err := adm.Serve(ctx); err != nil {
				slog.Error("admin server exited", "err", err)
			}
		}()
	}

	slog.Info("tunnel client starting", "kites", len(kites))
	if err := sup.Run(ctx); err != nil && ctx.Err() == nil {
		slog.Error("supervisor exited with error", "err", err)
		os.Exit(1)
	}
	slog.Info("tunnel client stopped")
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func supervisorConfig(cfg *config.Config) supervisor.Config {
	var dialOpts relayconn.DialOpts
	dialOpts.ConnectTimeout = cfg.Tunnel.SocketConnectTimeout
	dialOpts.DataTimeout = cfg.Tunnel.SocketDataTimeout
	dialOpts.SendWindow = cfg.Device.SendWindowBytes
	dialOpts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}

	if cfg.Proxy.URL != "" {
		dialer, err := proxydial.New(cfg.Proxy.URL, cfg.Tunnel.SocketConnectTimeout)
		if err != nil {
			slog.Warn("ignoring invalid proxy url", "url", cfg.Proxy.URL, "err", err)
		} else {
			dialOpts.Dialer = dialer.DialContext
		}
	}

	preferred := ""
	if len(cfg.Relay.Preferred) > 0 {
		preferred = cfg.Relay.Preferred[0]
	}

	globalSecret := ""
	if len(cfg.Kites) > 0 {
		globalSecret = cfg.Kites[0].Secret
	}

	return supervisor.Config{
		MinCheckInterval: cfg.Tunnel.MinCheckInterval,
		MaxCheckInterval: cfg.Tunnel.MaxCheckInterval,
		FrontEnd:         cfg.Relay.FrontEnd,
		FrontEndPort:     cfg.Relay.Port,
		Preferred:        preferred,
		GlobalSecret:     globalSecret,
		DialOpts:         dialOpts,
	}
}

// buildKites turns each configured kite entry into a kite.Kite with its
// Handler wired to either the backend HTTP bridge or the raw TCP proxy,
// depending on proto.
func buildKites(cfg *config.Config) []*kite.Kite {
	httpSrv := httpserver.New(cfg.Webroot)
	csrf := reqbody.NewCSRFRing()

	var kites []*kite.Kite
	for _, kc := range cfg.Kites {
		k := &kite.Kite{Name: kc.Name, Secret: kc.Secret, Proto: kc.Proto}

		if strings.HasPrefix(kc.Proto, "raw") {
			mgr := rawproxy.New(kc.Name, backendAddr(cfg.Backend.TargetURL), slog.Default())
			k.Handler = mgr.Handler()
		} else {
			bridge := dispatch.New(kc.Name, httpSrv, csrf, slog.Default())
			k.Handler = bridge.Handler()
		}
		kites = append(kites, k)
	}
	return kites
}

func backendAddr(targetURL string) string {
	target := strings.TrimPrefix(strings.TrimPrefix(targetURL, "http://"), "https://")
	if _, _, err := net.SplitHostPort(target); err == nil {
		return target
	}
	return target + ":80"
}

func startLocalListener(ctx context.Context, cfg *config.Config, kites []*kite.Kite) error {
	if cfg.Local.Addr == "" || len(kites) == 0 {
		return nil
	}
	ln, err := net.Listen("tcp", cfg.Local.Addr)
	if err != nil {
		return err
	}
	l := locallistener.New(ln, kites[0], slog.Default())
	go func() {
		if err := l.Serve(ctx); err != nil && ctx.Err() == nil {
			slog.Error("local listener exited", "err", err)
		}
	}()
	return nil
}
