// Package kite defines the Kite identity type and relay-selection logic:
// resolving candidate relay addresses and latency-probing them.
//
// Grounded on github.com/reverseproxy's internal/agent (that agent
// dials a single configured relay; this generalizes that to PageKite's
// "probe several, bias toward the preferred/first candidate" selection,
// following upagekite/__init__.py's LocalHTTPKite / get_relays_addrinfo
// / ping_relay / pick_relays functions).
package kite

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/pagekite/upk-go/internal/dnscache"
)

// Handler processes a new request/stream starting on a kite, dispatched
// from the pool when a frame's SID+Host+Proto first matches this kite.
type Handler func(ctx StreamContext) error

// StreamContext is the minimal surface a kite Handler needs; concrete
// implementations live in internal/relayconn and internal/locallistener.
type StreamContext interface {
	SID() string
	Host() string
	Proto() string
	RemoteIP() string
}

// Kite is an identity advertised to relays: a hostname+protocol pair
// backed by a shared secret.
type Kite struct {
	Name      string
	Secret    string
	Proto     string // e.g. "http", "https", "raw/22"
	Challenge string // per-handshake, mutable
	Handler   Handler
}

func (k *Kite) String() string { return fmt.Sprintf("%s://%s", k.Proto, k.Name) }

// MatchesProto reports whether a frame's proto and port identify this
// kite: the kite's Proto equals the frame's proto, or equals the
// "proto-port" or "proto/port" composite of the two (such as "raw-22"
// or "raw/22").
func (k *Kite) MatchesProto(frameProto, framePort string) bool {
	if frameProto == k.Proto {
		return true
	}
	return k.Proto == frameProto+"-"+framePort || k.Proto == frameProto+"/"+framePort
}

// RelayAddr is a resolved candidate relay endpoint plus its measured
// round-trip estimate. Discarded after each selection round.
type RelayAddr struct {
	IP        string
	Port      int
	LatencyMS int
}

func (r RelayAddr) String() string { return net.JoinHostPort(r.IP, fmt.Sprintf("%d", r.Port)) }

// DefaultFrontEnd mirrors proto.py's uPageKiteDefaults.FE_NAME/FE_PORT.
const (
	DefaultFrontEnd = "fe4_100.b5p.us"
	DefaultPort     = 443
	maxCandidates   = 10
	unreachableMS   = 99999
)

// Resolver resolves candidate relay addresses for a set of kites plus a
// configured front-end, deduplicating and bounding the candidate count
// to maxCandidates.
type Resolver struct {
	Resolver *net.Resolver
	Hints    *dnscache.Cache
}

// NewResolver returns a Resolver using net.DefaultResolver and hints.
func NewResolver(hints *dnscache.Cache) *Resolver {
	return &Resolver{Resolver: net.DefaultResolver, Hints: hints}
}

// Candidates resolves every kite's own name, the given front-end name,
// and any DNS hint cache entries into a deduplicated, bounded slice of
// RelayAddr (latency unset).
func (r *Resolver) Candidates(ctx context.Context, kites []*Kite, frontEnd string, port int) []RelayAddr {
	if port == 0 {
		port = DefaultPort
	}
	seen := make(map[string]bool)
	var out []RelayAddr

	add := func(host string) {
		ips := r.resolve(ctx, host)
		for _, ip := range ips {
			if seen[ip] || len(out) >= maxCandidates {
				continue
			}
			seen[ip] = true
			out = append(out, RelayAddr{IP: ip, Port: port})
		}
	}

	for _, k := range kites {
		add(k.Name)
	}
	if frontEnd != "" {
		add(frontEnd)
	}
	return out
}

func (r *Resolver) resolve(ctx context.Context, host string) []string {
	if ip := net.ParseIP(host); ip != nil {
		return []string{ip.String()}
	}
	if r.Hints != nil {
		if ips, ok := r.Hints.Get(host); ok {
			return ips
		}
	}
	addrs, err := r.Resolver.LookupHost(ctx, host)
	if err != nil {
		return nil
	}
	return addrs
}

// Prober measures round-trip latency to candidate relays via a
// plaintext HTTP GET /ping.
type Prober struct {
	Dial    func(ctx context.Context, network, addr string) (net.Conn, error)
	Timeout time.Duration
	Hints   *dnscache.Cache
}

// NewProber returns a Prober with a 5s default timeout.
func NewProber(hints *dnscache.Cache) *Prober {
	return &Prober{
		Dial:    (&net.Dialer{}).DialContext,
		Timeout: 5 * time.Second,
		Hints:   hints,
	}
}

// Probe measures elapsed time for a GET /ping to addr, applying bias,
// and scans the response for X-DNS hints and an X-PageKite-Overloaded
// penalty. Unreachable candidates score unreachableMS.
func (p *Prober) Probe(ctx context.Context, addr RelayAddr, bias float64) int {
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	start := time.Now()
	conn, err := p.Dial(ctx, "tcp", addr.String())
	if err != nil {
		return unreachableMS
	}
	defer conn.Close()

	_, _ = conn.Write([]byte("GET /ping HTTP/1.0\r\n\r\n"))

	conn.SetReadDeadline(time.Now().Add(p.Timeout))
	buf := make([]byte, 250)
	r := bufio.NewReader(conn)
	n, _ := r.Read(buf)
	elapsed := time.Since(start)

	body := string(buf[:n])
	penalty := 0
	if strings.Contains(body, "X-PageKite-Overloaded") {
		penalty = 250
	}
	if p.Hints != nil {
		p.Hints.ScanAll(body)
	}

	biased := int(float64(elapsed.Milliseconds())*bias) + penalty
	return biased
}

// Select probes candidates and returns the selection: if more than one
// candidate, probe all (biasing the first/preferred by 0.75), and
// return [fastest, original_first] when fastest differs from the first
// candidate, else just [first]. A single candidate is returned
// unprobed.
func (p *Prober) Select(ctx context.Context, candidates []RelayAddr, preferred string) []RelayAddr {
	if len(candidates) == 0 {
		return nil
	}
	if len(candidates) == 1 {
		return candidates
	}

	scored := make([]RelayAddr, len(candidates))
	copy(scored, candidates)
	for i := range scored {
		bias := 1.0
		if i == 0 || scored[i].IP == preferred {
			bias = 0.75
		}
		scored[i].LatencyMS = p.Probe(ctx, scored[i], bias)
	}

	first := scored[0]
	fastest := first
	for _, c := range scored[1:] {
		if c.LatencyMS < fastest.LatencyMS {
			fastest = c
		}
	}
	if fastest.IP == first.IP && fastest.Port == first.Port {
		return []RelayAddr{first}
	}
	return []RelayAddr{fastest, first}
}

// SortByLatency orders addrs ascending by LatencyMS; used by callers that
// want a full ranking rather than just the top pick.
func SortByLatency(addrs []RelayAddr) {
	sort.SliceStable(addrs, func(i, j int) bool { return addrs[i].LatencyMS < addrs[j].LatencyMS })
}
