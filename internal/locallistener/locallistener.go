// Package locallistener implements a plain TCP listener that accepts
// direct LAN HTTP connections and adapts them to look like tunneled
// frames, so the same kite Handler serves both relayed and
// directly-connected visitors. A direct connection carries only the
// bytes read together with its request header: later bytes are not
// delivered as continuation frames, and the connection is closed once
// the handler returns.
//
// Grounded on github.com/reverseproxy's cmd/agent (net.Listener accept
// loop feeding a per-connection goroutine), generalized with the
// synthetic-frame bridging upagekite/__init__.py's LocalHTTPKite does.
package locallistener

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/pagekite/upk-go/internal/kite"
	"github.com/pagekite/upk-go/internal/wire"
)

// HeaderTimeout is the spec's 500ms deadline to see "\r\n\r\n".
const HeaderTimeout = 500 * time.Millisecond

// Listener accepts direct LAN HTTP connections for one kite.
type Listener struct {
	ln     net.Listener
	kite   *kite.Kite
	logger *slog.Logger

	mu    sync.Mutex
	conns map[string]net.Conn
}

// New wraps ln, dispatching accepted connections to k's handler as
// synthetic frames.
func New(ln net.Listener, k *kite.Kite, logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{ln: ln, kite: k, logger: logger, conns: make(map[string]net.Conn)}
}

// Serve accepts connections until ctx is cancelled or the listener errs.
func (l *Listener) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		l.ln.Close()
	}()

	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		go l.handle(conn)
	}
}

func (l *Listener) handle(conn net.Conn) {
	sid := syntheticSID(conn)

	l.mu.Lock()
	l.conns[sid] = conn
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		delete(l.conns, sid)
		l.mu.Unlock()
		conn.Close()
	}()

	header, ok := l.readHeaderWithDeadline(conn)
	if !ok {
		conn.Write([]byte("HTTP/1.0 408 Timed out\r\n\r\n"))
		return
	}

	_, port, _ := net.SplitHostPort(conn.LocalAddr().String())
	remoteHost, _, _ := net.SplitHostPort(conn.RemoteAddr().String())

	raw := fmt.Sprintf("SID: %s\r\nHost: 0.0.0.0\r\nProto: http\r\nPort: %s\r\nRIP: ::ffff:%s\r\n\r\n%s",
		sid, port, remoteHost, header)
	frame, err := wire.NewFrame([]byte(raw), "")
	if err != nil {
		l.logger.Debug("failed to build synthetic frame", "err", err)
		return
	}

	if l.kite == nil || l.kite.Handler == nil {
		return
	}
	if err := l.kite.Handler(&localStreamCtx{frame: frame, conn: conn}); err != nil {
		l.logger.Debug("local handler error", "sid", sid, "err", err)
	}
}

// readHeaderWithDeadline reads until "\r\n\r\n" or HeaderTimeout elapses.
func (l *Listener) readHeaderWithDeadline(conn net.Conn) (string, bool) {
	deadline := time.Now().Add(HeaderTimeout)
	conn.SetReadDeadline(deadline)

	r := bufio.NewReader(conn)
	var buf bytes.Buffer
	tmp := make([]byte, 1024)
	for {
		if time.Now().After(deadline) {
			return "", false
		}
		n, err := r.Read(tmp)
		if n > 0 {
			buf.Write(tmp[:n])
			if strings.Contains(buf.String(), "\r\n\r\n") {
				conn.SetReadDeadline(time.Time{})
				return buf.String(), true
			}
		}
		if err != nil {
			return "", false
		}
	}
}

func syntheticSID(conn net.Conn) string {
	return fmt.Sprintf("%p-%x", conn, time.Now().UnixMilli())
}

// localStreamCtx adapts a direct connection to kite.StreamContext plus a
// synchronous reply/close bridge, mirroring the same write contract a
// relayed stream's sync_reply/reply exposes.
type localStreamCtx struct {
	frame *wire.Frame
	conn  net.Conn
}

func (c *localStreamCtx) SID() string      { return c.frame.RawSID() }
func (c *localStreamCtx) Host() string     { return c.frame.Host() }
func (c *localStreamCtx) Proto() string    { return c.frame.Proto() }
func (c *localStreamCtx) RemoteIP() string { return c.frame.RemoteIP() }

// Reply writes data directly to the underlying socket instead of
// chunk-framing it, since a directly connected LAN peer speaks plain
// HTTP, not the relay wire protocol.
func (c *localStreamCtx) Reply(data []byte) error {
	_, err := c.conn.Write(data)
	return err
}

// Close closes the underlying connection. The SID is dropped from the
// listener's connection map when handle returns.
func (c *localStreamCtx) Close() error { return c.conn.Close() }

// Frame returns the synthetic frame built from the request header.
func (c *localStreamCtx) Frame() *wire.Frame { return c.frame }

// Register does nothing: a direct connection delivers no frames after
// the first, so a registered handler is never called.
func (c *localStreamCtx) Register(sid string, fn func(frame *wire.Frame) error) {}

// SendData writes data straight to the socket, like Reply.
func (c *localStreamCtx) SendData(sid string, data []byte) error { return c.Reply(data) }

// SendEOF closes the connection, like Close.
func (c *localStreamCtx) SendEOF(sid string) error { return c.Close() }
