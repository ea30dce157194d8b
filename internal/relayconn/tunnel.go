// Package relayconn implements TunnelConnection: one TLS socket to a
// relay, the PageKite handshake, and per-SID frame dispatch.
//
// Grounded on github.com/reverseproxy's internal/relay/tunnel.go (the
// read-loop goroutine dispatching into a per-stream map under a RWMutex,
// the write-path mutex, the ping-loop goroutine) and
// internal/agent/tunnel.go (the client side of that same pattern),
// generalized from that package's binary websocket frames to PageKite's
// text handshake and hex-chunked frames (upagekite/proto.py connect()).
package relayconn

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/pagekite/upk-go/internal/errs"
	"github.com/pagekite/upk-go/internal/kite"
	"github.com/pagekite/upk-go/internal/signing"
	"github.com/pagekite/upk-go/internal/wire"
)

// AppVersion is sent in the X-PageKite-Version handshake header.
const AppVersion = "0.0.1g"

// StreamHandler is a callback bound to a SID; it receives each subsequent
// frame for that stream (continuation data or EOF) until it unregisters
// itself by returning a non-nil error or by the connection calling
// Unregister.
type StreamHandler func(frame *wire.Frame) error

// Connection owns one TLS socket to a relay.
type Connection struct {
	PeerAddr string

	conn    net.Conn
	r       *bufio.Reader
	writeMu sync.Mutex

	connPrefix string

	streamMu sync.RWMutex
	streams  map[string]StreamHandler

	tsMu           sync.Mutex
	lastDataTS     time.Time
	lastHandleTS   time.Time

	kites []*kite.Kite

	SendWindowBytes int
	MSDelayPerByte  time.Duration

	Logger *slog.Logger
}

// DialOpts configures Connect.
type DialOpts struct {
	ConnectTimeout time.Duration
	DataTimeout    time.Duration
	Dialer         func(ctx context.Context, network, addr string) (net.Conn, error)
	TLSConfig      *tls.Config
	GlobalSecret   string
	SendWindow     int
	Logger         *slog.Logger
}

func (o *DialOpts) withDefaults() *DialOpts {
	cp := *o
	if cp.ConnectTimeout == 0 {
		cp.ConnectTimeout = 5 * time.Second
	}
	if cp.DataTimeout == 0 {
		cp.DataTimeout = 60 * time.Second
	}
	if cp.SendWindow == 0 {
		cp.SendWindow = 113 * 1024
	}
	if cp.Logger == nil {
		cp.Logger = slog.Default()
	}
	if cp.Dialer == nil {
		cp.Dialer = (&net.Dialer{}).DialContext
	}
	return &cp
}

// Connect performs the full PageKite handshake against relayAddr for the
// given kites: dial, send CONNECT plus X-PageKite lines, read the
// response, and if the relay demands a signed challenge, resign and
// retry once before giving up.
func Connect(ctx context.Context, relayAddr string, kites []*kite.Kite, opts DialOpts) (*Connection, error) {
	o := opts.withDefaults()

	dialCtx, cancel := context.WithTimeout(ctx, o.ConnectTimeout)
	defer cancel()

	raw, err := o.Dialer(dialCtx, "tcp", relayAddr)
	if err != nil {
		return nil, &errs.Transport{Cause: err}
	}

	var conn net.Conn = raw
	if o.TLSConfig != nil {
		tlsConn := tls.Client(raw, o.TLSConfig)
		if err := tlsConn.HandshakeContext(dialCtx); err != nil {
			raw.Close()
			return nil, &errs.Transport{Cause: err}
		}
		conn = tlsConn
	}

	c := &Connection{
		PeerAddr:        relayAddr,
		conn:            conn,
		r:               bufio.NewReader(conn),
		connPrefix:      fmt.Sprintf("%p-", conn),
		streams:         make(map[string]StreamHandler),
		kites:           kites,
		SendWindowBytes: o.SendWindow,
		Logger:          o.Logger,
	}
	c.touchData()

	for _, k := range kites {
		k.Challenge = ""
	}

	req := buildConnectRequest(kites, relayAddr, o.GlobalSecret)
	if err := c.writeRaw([]byte(req)); err != nil {
		conn.Close()
		return nil, &errs.Transport{Cause: err}
	}

	header, err := wire.ReadHTTPHeader(c.r)
	if err != nil {
		conn.Close()
		return nil, err
	}
	ok, needSign, rejected := parseChallenge(string(header), kites)
	if len(rejected) > 0 {
		conn.Close()
		return nil, &errs.Rejected{Reason: strings.Join(rejected, ", ")}
	}

	if len(needSign) > 0 {
		var signKites []*kite.Kite
		for _, k := range kites {
			if k.Challenge != "" {
				signKites = append(signKites, k)
			}
		}
		lines := "NOOP: 1\r\n" + buildXPageKiteLines(signKites, relayAddr, o.GlobalSecret) + "\r\n"
		if err := c.writeChunk([]byte(lines)); err != nil {
			conn.Close()
			return nil, &errs.Transport{Cause: err}
		}
		raw2, err := wire.ReadChunk(c.r)
		if err != nil {
			conn.Close()
			return nil, err
		}
		ok2, needSign2, rejected2 := parseChallenge(string(raw2), kites)
		ok = append(ok, ok2...)
		if len(rejected2) > 0 || len(needSign2) > 0 {
			conn.Close()
			return nil, &errs.Rejected{Reason: strings.Join(append(rejected2, needSign2...), ", ")}
		}
	}

	if len(ok) == 0 {
		conn.Close()
		return nil, &errs.Rejected{Reason: "no requests accepted, is this really a relay?"}
	}

	c.Logger.Info("connected to relay", "addr", relayAddr)
	return c, nil
}

func buildConnectRequest(kites []*kite.Kite, relayAddr, globalSecret string) string {
	var sb strings.Builder
	sb.WriteString("CONNECT PageKite:1 HTTP/1.0\r\n")
	sb.WriteString("X-PageKite-Features: AddKites\r\n")
	sb.WriteString(fmt.Sprintf("X-PageKite-Version: %s\r\n", AppVersion))
	sb.WriteString(buildXPageKiteLines(kites, relayAddr, globalSecret))
	sb.WriteString("\r\n")
	return sb.String()
}

func buildXPageKiteLines(kites []*kite.Kite, relayAddr, globalSecret string) string {
	var sb strings.Builder
	for _, k := range kites {
		clientToken := signing.ClientToken(globalSecret, relayAddr, k.Secret)
		sb.WriteString(signing.XPageKiteLine(k.Proto, k.Name, clientToken, k.Challenge, k.Secret))
	}
	return sb.String()
}

// parseChallenge parses X-PageKite-OK/SignThis/Reject/Duplicate lines out
// of a raw header or chunk block, mirroring proto.py's parse_challenge.
func parseChallenge(block string, kites []*kite.Kite) (ok, needSign, rejected []string) {
	for _, line := range strings.Split(block, "\r\n") {
		switch {
		case strings.HasPrefix(line, "X-PageKite-SignThis:"):
			parts := strings.Split(line, ":")
			if len(parts) < 5 {
				continue
			}
			proto := strings.TrimSpace(parts[1])
			name := parts[2]
			for _, k := range kites {
				if k.Name == name && k.Proto == proto {
					k.Challenge = parts[4]
					needSign = append(needSign, k.Name)
				}
			}
		case strings.HasPrefix(line, "X-PageKite-OK:"):
			ok = append(ok, firstThreeFields(line))
		case strings.HasPrefix(line, "X-PageKite-Reject"):
			rejected = append(rejected, firstThreeFields(line))
		case strings.HasPrefix(line, "X-PageKite-Duplicate"):
			rejected = append(rejected, firstThreeFields(line))
		}
	}
	return ok, needSign, rejected
}

func firstThreeFields(line string) string {
	parts := strings.SplitN(line, ":", 4)
	if len(parts) > 3 {
		parts = parts[:3]
	}
	return strings.Join(parts, ":")
}

func (c *Connection) touchData() {
	c.tsMu.Lock()
	c.lastDataTS = time.Now()
	c.tsMu.Unlock()
}

// LastDataTimestamp returns the last time a chunk was read from this
// connection.
func (c *Connection) LastDataTimestamp() time.Time {
	c.tsMu.Lock()
	defer c.tsMu.Unlock()
	return c.lastDataTS
}

// LastHandleTimestamp returns the last time this connection actually
// dispatched a frame to a handler, as opposed to idling on PINGs/NOOPs.
// The supervisor uses this to find relays a visitor hasn't touched in a
// while, distinct from the pool's PeerAddr liveness check.
func (c *Connection) LastHandleTimestamp() time.Time {
	c.tsMu.Lock()
	defer c.tsMu.Unlock()
	return c.lastHandleTS
}

func (c *Connection) touchHandle() {
	c.tsMu.Lock()
	c.lastHandleTS = time.Now()
	c.tsMu.Unlock()
}

// PeerAddrString returns the dialed relay address, for logging and pool
// bookkeeping.
func (c *Connection) PeerAddrString() string { return c.PeerAddr }

func (c *Connection) writeRaw(b []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.conn.Write(b)
	return err
}

func (c *Connection) writeChunk(payload []byte) error {
	return c.sendThrottled(wire.FormatChunk(payload))
}

// sendThrottled writes b in pieces no larger than SendWindowBytes,
// sleeping MSDelayPerByte*len(piece) between writes as a cooperative
// backpressure budget.
func (c *Connection) sendThrottled(b []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	window := c.SendWindowBytes
	if window <= 0 {
		window = len(b)
	}
	for off := 0; off < len(b); off += window {
		end := off + window
		if end > len(b) {
			end = len(b)
		}
		chunk := b[off:end]
		if _, err := c.conn.Write(chunk); err != nil {
			return err
		}
		if c.MSDelayPerByte > 0 {
			time.Sleep(c.MSDelayPerByte * time.Duration(len(chunk)))
		}
	}
	return nil
}

// Register binds handler to sid, so subsequent frames for that stream
// are dispatched to it instead of treated as a new request.
func (c *Connection) Register(sid string, handler StreamHandler) {
	c.streamMu.Lock()
	c.streams[sid] = handler
	c.streamMu.Unlock()
}

// Unregister removes sid's handler, if any.
func (c *Connection) Unregister(sid string) {
	c.streamMu.Lock()
	delete(c.streams, sid)
	c.streamMu.Unlock()
}

func (c *Connection) handlerFor(sid string) (StreamHandler, bool) {
	c.streamMu.RLock()
	defer c.streamMu.RUnlock()
	h, ok := c.streams[sid]
	return h, ok
}

// SendData writes a DATA chunk for sid.
func (c *Connection) SendData(sid string, data []byte) error {
	return c.sendThrottled(wire.FormatData(sid, data))
}

// SendEOF writes an EOF chunk for sid and unregisters its handler.
func (c *Connection) SendEOF(sid string) error {
	err := c.sendThrottled(wire.FormatEOF(sid))
	c.Unregister(sid)
	return err
}

// SendPong replies to a PING with the same token.
func (c *Connection) SendPong(token string) error {
	return c.sendThrottled(wire.FormatPong(token))
}

// SendPing emits a keepalive PING chunk.
func (c *Connection) SendPing() error {
	return c.sendThrottled(wire.FormatPing(float64(time.Now().UnixNano()) / 1e9))
}

// Close shuts down the underlying socket.
func (c *Connection) Close() error { return c.conn.Close() }

// ProcessIO performs one read-dispatch step: read a chunk, handle PING,
// dispatch to a registered handler, or start a new request on a
// matching kite. It returns a non-nil error (typically
// *errs.EofTunnel) when the connection should be torn down.
func (c *Connection) ProcessIO(ctx context.Context) error {
	raw, err := wire.ReadChunk(c.r)
	if err != nil {
		return err
	}
	c.touchData()

	frame, err := wire.NewFrame(raw, c.connPrefix)
	if err != nil {
		return err
	}

	if frame.Ping() != "" {
		return c.SendPong(frame.Ping())
	}

	sid := frame.RawSID()
	if sid == "" {
		return nil
	}

	if handler, ok := c.handlerFor(sid); ok {
		c.touchHandle()
		if err := handler(frame); err != nil {
			c.Logger.Debug("stream handler error, sending EOF", "sid", sid, "err", err)
			return c.SendEOF(sid)
		}
		return nil
	}

	if frame.Host() != "" {
		for _, k := range c.kites {
			if k.MatchesProto(frame.Proto(), frame.Port()) && k.Handler != nil {
				c.touchHandle()
				return k.Handler(c.newStreamCtx(frame))
			}
		}
	}

	// Unknown stream: peer referenced a SID we have no handler or kite for.
	return c.SendEOF(sid)
}

type streamCtxImpl struct {
	frame *wire.Frame
	conn  *Connection
}

func (c *Connection) newStreamCtx(f *wire.Frame) *streamCtxImpl {
	return &streamCtxImpl{frame: f, conn: c}
}

func (s *streamCtxImpl) SID() string      { return s.frame.RawSID() }
func (s *streamCtxImpl) Host() string     { return s.frame.Host() }
func (s *streamCtxImpl) Proto() string    { return s.frame.Proto() }
func (s *streamCtxImpl) RemoteIP() string { return s.frame.RemoteIP() }

// Frame returns the frame that started this stream, exposing its
// payload and EOF flags to handlers that need the first chunk of data
// (e.g. internal/rawproxy).
func (s *streamCtxImpl) Frame() *wire.Frame { return s.frame }

// Register binds fn to receive subsequent frames for this stream.
func (s *streamCtxImpl) Register(sid string, fn func(frame *wire.Frame) error) {
	s.conn.Register(sid, fn)
}

// SendData writes a DATA chunk back to the relay for this stream's SID.
func (s *streamCtxImpl) SendData(sid string, data []byte) error { return s.conn.SendData(sid, data) }

// SendEOF writes an EOF chunk and unregisters the stream.
func (s *streamCtxImpl) SendEOF(sid string) error { return s.conn.SendEOF(sid) }
