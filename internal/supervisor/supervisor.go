// Package supervisor implements the top-level control state machine:
// Selecting -> Connecting -> Serving -> Backoff -> Selecting.
//
// Grounded on github.com/reverseproxy's internal/agent/agent.go
// (_reconnect_loop's exponential backoff around _run_tunnel), generalized
// from "one relay, reconnect on drop" to "probe several relays, run a
// pool of tunnels, optionally refresh DDNS, back off only when nothing is
// reachable", per upagekite/__init__.py's uPageKite.main() loop.
package supervisor

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/pagekite/upk-go/internal/ddns"
	"github.com/pagekite/upk-go/internal/dnscache"
	"github.com/pagekite/upk-go/internal/errs"
	"github.com/pagekite/upk-go/internal/kite"
	"github.com/pagekite/upk-go/internal/pool"
	"github.com/pagekite/upk-go/internal/relayconn"
)

// State names the supervisor's current phase, exposed for the admin
// observability surface.
type State int

const (
	StateIdle State = iota
	StateSelecting
	StateConnecting
	StateServing
	StateBackoff
)

func (s State) String() string {
	switch s {
	case StateSelecting:
		return "selecting"
	case StateConnecting:
		return "connecting"
	case StateServing:
		return "serving"
	case StateBackoff:
		return "backoff"
	default:
		return "idle"
	}
}

// Config bundles the supervisor's tunable timeouts and relay selection
// parameters.
type Config struct {
	MinCheckInterval    time.Duration
	MaxCheckInterval    time.Duration
	DDNSRecheckInterval time.Duration
	FrontEnd            string
	FrontEndPort        int
	Preferred           string
	GlobalSecret        string
	DialOpts            relayconn.DialOpts
}

func (c *Config) withDefaults() Config {
	cp := *c
	if cp.MinCheckInterval == 0 {
		cp.MinCheckInterval = pool.DefaultMinCheckInterval
	}
	if cp.MaxCheckInterval == 0 {
		cp.MaxCheckInterval = pool.DefaultMaxCheckInterval
	}
	if cp.DDNSRecheckInterval == 0 {
		cp.DDNSRecheckInterval = defaultDDNSRecheckInterval
	}
	if cp.FrontEnd == "" {
		cp.FrontEnd = kite.DefaultFrontEnd
	}
	return cp
}

// defaultDDNSRecheckInterval mirrors upagekite's check_dns, which only
// re-verifies DNS once per hour (recheck_max = 3600 // MIN_CHECK_INTERVAL
// ticks) once a relay connection is up.
const defaultDDNSRecheckInterval = time.Hour

// relayTunnel is the subset of relayconn.Connection the supervisor
// needs for pool bookkeeping and DDNS idle pruning. Satisfied
// structurally by *relayconn.Connection, and small enough to fake in
// tests the way pool.Tunnel is.
type relayTunnel interface {
	pool.Tunnel
	LastHandleTimestamp() time.Time
}

// Supervisor owns the set of kites and the current pool of tunnels.
type Supervisor struct {
	cfg      Config
	kites    []*kite.Kite
	resolver *kite.Resolver
	prober   *kite.Prober
	hints    *dnscache.Cache
	ddns     *ddns.Client
	pool     *pool.Pool
	logger   *slog.Logger

	backOff int

	ddnsNextCheck time.Time
	ddnsBackOff   int

	onState func(State)
}

// New builds a supervisor over kites. A fresh DNS hint cache is created
// and shared by the relay resolver and prober; the prober dials through
// cfg.DialOpts.Dialer when one is set.
func New(kites []*kite.Kite, cfg Config, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	hints := dnscache.New()
	prober := kite.NewProber(hints)
	if cfg.DialOpts.Dialer != nil {
		prober.Dial = cfg.DialOpts.Dialer
	}
	return &Supervisor{
		cfg:         cfg.withDefaults(),
		kites:       kites,
		resolver:    kite.NewResolver(hints),
		prober:      prober,
		hints:       hints,
		ddns:        ddns.New(nil),
		pool:        pool.New(logger),
		logger:      logger,
		backOff:     1,
		ddnsBackOff: 1,
	}
}

// OnStateChange registers a callback invoked on every state transition,
// used by the admin observability server to broadcast events.
func (s *Supervisor) OnStateChange(fn func(State)) { s.onState = fn }

func (s *Supervisor) setState(st State) {
	s.logger.Debug("supervisor state", "state", st.String())
	if s.onState != nil {
		s.onState(st)
	}
}

// Run drives the state machine until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	go s.pool.Watch(ctx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		s.setState(StateSelecting)
		candidates := s.resolver.Candidates(ctx, s.kites, s.cfg.FrontEnd, s.cfg.FrontEndPort)
		selected := s.prober.Select(ctx, candidates, s.cfg.Preferred)

		if len(selected) == 0 {
			s.backOff = minInt(s.backOff*2, int(s.cfg.MaxCheckInterval/s.cfg.MinCheckInterval))
			if err := s.sleepBackoff(ctx); err != nil {
				return err
			}
			continue
		}

		s.setState(StateConnecting)
		connected := s.connectAll(ctx, selected)
		if len(connected) == 0 {
			s.backOff = minInt(s.backOff*2, int(s.cfg.MaxCheckInterval/s.cfg.MinCheckInterval))
			if err := s.sleepBackoff(ctx); err != nil {
				return err
			}
			continue
		}
		s.backOff = 1
		s.ddnsNextCheck = time.Time{}
		s.ddnsBackOff = 1

		ddnsCtx, stopDDNS := context.WithCancel(ctx)
		go s.ddnsLoop(ddnsCtx, connected)

		s.setState(StateServing)
		s.serve(ctx)
		stopDDNS()

		s.pool.CloseAll()
	}
}

func (s *Supervisor) connectAll(ctx context.Context, addrs []kite.RelayAddr) []relayTunnel {
	var out []relayTunnel
	for _, addr := range addrs {
		conn, err := relayconn.Connect(ctx, addr.String(), s.kites, s.relayDialOpts())
		if err != nil {
			if rej, ok := err.(*errs.Rejected); ok {
				s.logger.Warn("relay rejected kites", "addr", addr.String(), "reason", rej.Reason)
			} else {
				s.logger.Warn("relay connect failed", "addr", addr.String(), "err", err)
			}
			continue
		}
		s.pool.Add(ctx, conn)
		out = append(out, conn)
	}
	return out
}

func (s *Supervisor) relayDialOpts() relayconn.DialOpts {
	o := s.cfg.DialOpts
	o.GlobalSecret = s.cfg.GlobalSecret
	o.Logger = s.logger
	return o
}

// serve blocks until the pool reports every tunnel dead or ctx ends.
func (s *Supervisor) serve(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.pool.Dead():
			if s.pool.Size() == 0 {
				return
			}
		}
	}
}

// ddnsLoop drives periodic DNS maintenance for one batch of connected
// relays, grounded on upagekite's check_dns: a full update only runs
// once per DDNSRecheckInterval (backed off further on failure), and
// once DNS is confirmed current, relays beyond the primary one that
// have gone quiet get dropped so the pool doesn't accumulate stale
// connections to front-ends DNS no longer points at.
func (s *Supervisor) ddnsLoop(ctx context.Context, connected []relayTunnel) {
	connected = s.runDDNSCheck(ctx, connected)

	ticker := time.NewTicker(s.cfg.MinCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			connected = s.runDDNSCheck(ctx, connected)
			if len(connected) == 0 {
				return
			}
		}
	}
}

// runDDNSCheck performs at most one full DDNS update per call, gated by
// ddnsNextCheck, and prunes idle secondary relays after a successful
// update. It returns the surviving connections.
func (s *Supervisor) runDDNSCheck(ctx context.Context, connected []relayTunnel) []relayTunnel {
	if len(connected) == 0 || time.Now().Before(s.ddnsNextCheck) {
		return connected
	}

	if !s.updateDDNS(ctx, connected[0]) {
		s.ddnsBackOff = minInt(s.ddnsBackOff*2, int(s.cfg.MaxCheckInterval/s.cfg.MinCheckInterval))
		s.ddnsNextCheck = time.Now().Add(time.Duration(s.ddnsBackOff) * s.cfg.MinCheckInterval * 2)
		s.logger.Warn("next ddns update attempt delayed", "in", time.Until(s.ddnsNextCheck))
		return connected
	}

	s.ddnsBackOff = 1
	s.ddnsNextCheck = time.Now().Add(s.cfg.DDNSRecheckInterval)

	if len(connected) <= 1 {
		return connected
	}
	idleSince := time.Now().Add(-2 * s.cfg.MaxCheckInterval)
	kept := connected[:1]
	for _, conn := range connected[1:] {
		if conn.LastHandleTimestamp().Before(idleSince) {
			s.logger.Info("disconnecting idle relay", "peer", conn.PeerAddrString())
			s.pool.Remove(conn)
			conn.Close()
			continue
		}
		kept = append(kept, conn)
	}
	return kept
}

// updateDDNS pushes the current relay address to every kite's dynamic
// DNS provider, reporting whether every kite's update succeeded.
func (s *Supervisor) updateDDNS(ctx context.Context, conn relayTunnel) bool {
	if s.ddns == nil {
		return true
	}
	ok := true
	for _, k := range s.kites {
		if err := s.ddns.Update(ctx, k.Name, k.Secret, hostOf(conn.PeerAddrString())); err != nil {
			s.logger.Warn("ddns update failed", "kite", k.Name, "err", err)
			ok = false
		}
	}
	return ok
}

func (s *Supervisor) sleepBackoff(ctx context.Context) error {
	s.setState(StateBackoff)
	// jitter avoids a thundering herd of identically configured clients
	// all retrying pagekite.net at the same instant.
	jitter := time.Duration(rand.Intn(1000)) * time.Millisecond
	wait := time.Duration(s.backOff)*s.cfg.MinCheckInterval + jitter
	select {
	case <-time.After(wait):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func hostOf(hostport string) string {
	for i := len(hostport) - 1; i >= 0; i-- {
		if hostport[i] == ':' {
			return hostport[:i]
		}
	}
	return hostport
}
