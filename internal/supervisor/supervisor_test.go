package supervisor

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/pagekite/upk-go/internal/pool"
)

type fakeTunnel struct {
	peer       string
	lastHandle time.Time
	closed     bool
}

func (f *fakeTunnel) ProcessIO(ctx context.Context) error { <-ctx.Done(); return ctx.Err() }
func (f *fakeTunnel) LastDataTimestamp() time.Time { return f.lastHandle }
func (f *fakeTunnel) LastHandleTimestamp() time.Time { return f.lastHandle }
func (f *fakeTunnel) SendPing() error { return nil }
func (f *fakeTunnel) Close() error { f.closed = true; return nil }
func (f *fakeTunnel) PeerAddrString() string { return f.peer }

func newTestSupervisor() *Supervisor {
	s := New(nil, Config{}, slog.Default())
	s.ddns = nil
	return s
}

func Test_run_ddns_check_skips_before_next_check(t *testing.T) {
	s := newTestSupervisor()
	s.ddnsNextCheck = time.Now().Add(time.Hour)
	primary := &fakeTunnel{peer: "1.1.1.1:443", lastHandle: time.Now()}

	got := s.runDDNSCheck(context.Background(), []relayTunnel{primary})
	if len(got) != 1 || got[0] != primary {
		t.Fatalf("expected the gate to skip the check and keep the relay, got %v", got)
	}
}

func Test_run_ddns_check_drops_idle_secondary_relay(t *testing.T) {
	s := newTestSupervisor()
	s.pool = pool.New(slog.Default())

	primary := &fakeTunnel{peer: "1.1.1.1:443", lastHandle: time.Now()}
	idle := &fakeTunnel{peer: "2.2.2.2:443", lastHandle: time.Now().Add(-time.Hour)}
	fresh := &fakeTunnel{peer: "3.3.3.3:443", lastHandle: time.Now()}

	got := s.runDDNSCheck(context.Background(), []relayTunnel{primary, idle, fresh})

	if len(got) != 2 || got[0] != primary || got[1] != fresh {
		t.Fatalf("expected the idle secondary relay dropped, kept %v", got)
	}
	if !idle.closed {
		t.Error("expected the idle relay to be closed")
	}
	if fresh.closed || primary.closed {
		t.Error("did not expect the primary or fresh relay to be closed")
	}
	if s.ddnsNextCheck.Before(time.Now()) {
		t.Error("expected the next full recheck to be scheduled in the future")
	}
}

func Test_run_ddns_check_never_drops_the_primary_relay(t *testing.T) {
	s := newTestSupervisor()
	s.pool = pool.New(slog.Default())

	primary := &fakeTunnel{peer: "1.1.1.1:443", lastHandle: time.Now().Add(-time.Hour)}
	got := s.runDDNSCheck(context.Background(), []relayTunnel{primary})

	if len(got) != 1 || got[0] != primary || primary.closed {
		t.Fatal("the primary relay must survive idle pruning even if it looks idle")
	}
}

func Test_state_string(t *testing.T) {
	cases := map[State]string{
		StateIdle:       "idle",
		StateSelecting:  "selecting",
		StateConnecting: "connecting",
		StateServing:    "serving",
		StateBackoff:    "backoff",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("state %d: got %q want %q", state, got, want)
		}
	}
}

func Test_min_int(t *testing.T) {
	if minInt(3, 5) != 3 {
		t.Error("expected 3")
	}
	if minInt(9, 2) != 2 {
		t.Error("expected 2")
	}
}

func Test_host_of_strips_port(t *testing.T) {
	if got := hostOf("1.2.3.4:443"); got != "1.2.3.4" {
		t.Errorf("got %q", got)
	}
	if got := hostOf("1.2.3.4"); got != "1.2.3.4" {
		t.Errorf("got %q", got)
	}
}

func Test_config_with_defaults(t *testing.T) {
	cfg := (&Config{}).withDefaults()
	if cfg.MinCheckInterval == 0 || cfg.MaxCheckInterval == 0 {
		t.Fatal("expected non-zero default intervals")
	}
	if cfg.FrontEnd == "" {
		t.Fatal("expected default front end")
	}
}
