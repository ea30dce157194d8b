package relayconn

import (
	"strings"
	"testing"

	"github.com/pagekite/upk-go/internal/kite"
)

func Test_build_connect_request_contains_required_headers(t *testing.T) {
	kites := []*kite.Kite{{Name: "a.example.com", Secret: "s", Proto: "http"}}
	req := buildConnectRequest(kites, "1.2.3.4:443", "global")

	if !strings.HasPrefix(req, "CONNECT PageKite:1 HTTP/1.0\r\n") {
		t.Fatalf("unexpected request line: %q", req)
	}
	if !strings.Contains(req, "X-PageKite-Features: AddKites\r\n") {
		t.Error("missing features header")
	}
	if !strings.Contains(req, "X-PageKite-Version:") {
		t.Error("missing version header")
	}
	if !strings.Contains(req, "X-PageKite: http:a.example.com:") {
		t.Error("missing per-kite X-PageKite line")
	}
	if !strings.HasSuffix(req, "\r\n\r\n") {
		t.Error("expected trailing blank line")
	}
}

func Test_parse_challenge_ok(t *testing.T) {
	kites := []*kite.Kite{{Name: "a.example.com", Proto: "http"}}
	block := "X-PageKite-OK: http:a.example.com:sometoken\r\n\r\n"
	ok, needSign, rejected := parseChallenge(block, kites)
	if len(ok) != 1 {
		t.Fatalf("expected one ok entry, got %v", ok)
	}
	if len(needSign) != 0 || len(rejected) != 0 {
		t.Fatalf("expected no sign/reject, got %v %v", needSign, rejected)
	}
}

func Test_parse_challenge_sign_this_sets_kite_challenge(t *testing.T) {
	k := &kite.Kite{Name: "a.example.com", Proto: "http"}
	block := "X-PageKite-SignThis: http:a.example.com:aaaaaaaa:deadbeef\r\n\r\n"
	_, needSign, rejected := parseChallenge(block, []*kite.Kite{k})
	if len(rejected) != 0 {
		t.Fatalf("expected no rejection, got %v", rejected)
	}
	if len(needSign) != 1 {
		t.Fatalf("expected one kite needing signature, got %v", needSign)
	}
	if k.Challenge != "deadbeef" {
		t.Errorf("expected challenge set on kite, got %q", k.Challenge)
	}
}

func Test_parse_challenge_second_round_ok_does_not_resurrect_need_sign(t *testing.T) {
	// Round 1: the relay demands a signature, which sets k.Challenge.
	k := &kite.Kite{Name: "a.example.com", Proto: "http"}
	round1 := "X-PageKite-SignThis: http:a.example.com:aaaaaaaa:deadbeef\r\n\r\n"
	_, needSign, rejected := parseChallenge(round1, []*kite.Kite{k})
	if len(rejected) != 0 || len(needSign) != 1 {
		t.Fatalf("round 1: expected one sign request, got needSign=%v rejected=%v", needSign, rejected)
	}
	if k.Challenge == "" {
		t.Fatal("round 1: expected the kite's Challenge to be set")
	}

	// Round 2: the relay accepts the signed retry. k.Challenge is still
	// set (nothing clears it), but that must not resurrect a needSign
	// entry for a line that was never present in this block.
	round2 := "X-PageKite-OK: http:a.example.com:sometoken\r\n\r\n"
	ok, needSign2, rejected2 := parseChallenge(round2, []*kite.Kite{k})
	if len(rejected2) != 0 {
		t.Fatalf("round 2: expected no rejection, got %v", rejected2)
	}
	if len(needSign2) != 0 {
		t.Fatalf("round 2: a stale Challenge must not force another signature request, got %v", needSign2)
	}
	if len(ok) != 1 {
		t.Fatalf("round 2: expected the accepted kite in ok, got %v", ok)
	}
}

func Test_parse_challenge_reject(t *testing.T) {
	block := "X-PageKite-Reject: http:a.example.com:bad-secret\r\n\r\n"
	ok, _, rejected := parseChallenge(block, nil)
	if len(ok) != 0 {
		t.Fatalf("expected no ok entries, got %v", ok)
	}
	if len(rejected) != 1 {
		t.Fatalf("expected one rejection, got %v", rejected)
	}
}
