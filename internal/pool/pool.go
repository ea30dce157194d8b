// Package pool implements the connection pool and scheduler: a
// goroutine per tunnel runs ProcessIO in a loop; the pool itself
// watches every tunnel's last-data timestamp to detect dead tunnels and
// schedule keepalive PINGs.
//
// Grounded on github.com/reverseproxy's internal/relay/pool.go (the
// mutex-guarded slice of tunnels, add/remove-on-done lifecycle)
// generalized from round-robin request dispatch to liveness polling,
// since a PageKite client fans frames in rather than picking one tunnel
// per outbound request.
package pool

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pagekite/upk-go/internal/errs"
)

// Tunnel is the subset of relayconn.Connection the pool needs.
type Tunnel interface {
	ProcessIO(ctx context.Context) error
	LastDataTimestamp() time.Time
	SendPing() error
	Close() error
	PeerAddrString() string
}

// Default scheduling timeouts.
const (
	DefaultTunnelTimeout    = 240 * time.Second
	DefaultMinCheckInterval = 15 * time.Second
	DefaultMaxCheckInterval = 120 * time.Second
	DefaultPollBudget       = 5 * time.Second
)

// Pool runs one read-loop goroutine per tunnel and a watchdog goroutine
// that detects dead tunnels and schedules pings.
type Pool struct {
	mu      sync.RWMutex
	tunnels map[Tunnel]context.CancelFunc

	TunnelTimeout    time.Duration
	MinCheckInterval time.Duration

	Logger *slog.Logger

	dead chan Tunnel
}

// New returns an empty pool with default timeouts.
func New(logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		tunnels:          make(map[Tunnel]context.CancelFunc),
		TunnelTimeout:    DefaultTunnelTimeout,
		MinCheckInterval: DefaultMinCheckInterval,
		Logger:           logger,
		dead:             make(chan Tunnel, 8),
	}
}

// Add registers t and starts its read loop. ctx bounds the read loop's
// lifetime; cancel it (or let parent ctx expire) to stop reading without
// closing the underlying socket twice.
func (p *Pool) Add(ctx context.Context, t Tunnel) {
	loopCtx, cancel := context.WithCancel(ctx)

	p.mu.Lock()
	p.tunnels[t] = cancel
	p.mu.Unlock()
	p.Logger.Info("tunnel added to pool", "peer", t.PeerAddrString(), "pool_size", p.Size())

	go p.readLoop(loopCtx, t)
}

// Remove drops t from the pool bookkeeping. It does not close t.
func (p *Pool) Remove(t Tunnel) {
	p.mu.Lock()
	cancel, ok := p.tunnels[t]
	if ok {
		delete(p.tunnels, t)
	}
	p.mu.Unlock()
	if ok {
		cancel()
		p.Logger.Info("tunnel removed from pool", "peer", t.PeerAddrString(), "pool_size", p.Size())
	}
}

// Size returns the number of tunnels currently in the pool.
func (p *Pool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.tunnels)
}

// Dead delivers tunnels the watchdog or read loop has declared dead, for
// the supervisor to react to by tearing down and reselecting relays.
func (p *Pool) Dead() <-chan Tunnel { return p.dead }

func (p *Pool) readLoop(ctx context.Context, t Tunnel) {
	defer p.declareDead(t)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if err := t.ProcessIO(ctx); err != nil {
			if _, ok := err.(*errs.EofStream); ok {
				continue
			}
			p.Logger.Debug("tunnel process_io error", "peer", t.PeerAddrString(), "err", err)
			return
		}
	}
}

func (p *Pool) declareDead(t Tunnel) {
	p.Remove(t)
	select {
	case p.dead <- t:
	default:
	}
}

// Watch runs the liveness walk until ctx is done: every MinCheckInterval
// it inspects every tunnel's LastDataTimestamp, declaring tunnels dead
// past TunnelTimeout and pinging tunnels approaching that deadline.
func (p *Pool) Watch(ctx context.Context) {
	ticker := time.NewTicker(p.MinCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweep()
		}
	}
}

func (p *Pool) sweep() {
	now := time.Now()
	pingThreshold := p.TunnelTimeout - 2*p.MinCheckInterval

	p.mu.RLock()
	snapshot := make([]Tunnel, 0, len(p.tunnels))
	for t := range p.tunnels {
		snapshot = append(snapshot, t)
	}
	p.mu.RUnlock()

	for _, t := range snapshot {
		idle := now.Sub(t.LastDataTimestamp())
		switch {
		case idle > p.TunnelTimeout:
			p.Logger.Warn("tunnel timed out", "peer", t.PeerAddrString(), "idle", idle)
			t.Close()
			p.declareDead(t)
		case idle > pingThreshold:
			if err := t.SendPing(); err != nil {
				p.Logger.Debug("ping failed", "peer", t.PeerAddrString(), "err", err)
			}
		}
	}
}

// CloseAll closes every tunnel currently in the pool, used when the
// supervisor reconfigures or shuts down.
func (p *Pool) CloseAll() {
	p.mu.RLock()
	snapshot := make([]Tunnel, 0, len(p.tunnels))
	for t := range p.tunnels {
		snapshot = append(snapshot, t)
	}
	p.mu.RUnlock()

	for _, t := range snapshot {
		t.Close()
	}
}
