// Package rawproxy implements raw TCP passthrough for kites whose proto
// is not HTTP(S) (e.g. "raw/22" for SSH), dialing a fixed backend
// host:port once per SID and shuttling bytes in both directions.
//
// Grounded on upagekite/proxy.py's ProxyConn/ProxyManager: a per-SID
// connection table, a background reader goroutine pushing backend
// reads back as DATA frames, and a frame handler that writes inbound
// payload to the backend and honors the frame's read/write EOF flags.
package rawproxy

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/pagekite/upk-go/internal/kite"
	"github.com/pagekite/upk-go/internal/wire"
)

// relayStream is the subset of relayconn's stream context rawproxy
// needs: access to the frame that opened the stream, plus the ability
// to register a follow-up handler and reply/close the stream. Satisfied
// structurally by relayconn's per-stream context.
type relayStream interface {
	kite.StreamContext
	Frame() *wire.Frame
	Register(sid string, fn func(frame *wire.Frame) error)
	SendData(sid string, data []byte) error
	SendEOF(sid string) error
}

// Manager dials backendAddr once per SID and proxies bytes between the
// tunnel and the backend TCP connection.
type Manager struct {
	Name        string
	BackendAddr string
	Dial        func(network, addr string) (net.Conn, error)
	Logger      *slog.Logger

	mu    sync.Mutex
	conns map[string]*proxyConn
}

// New builds a Manager proxying to backendAddr.
func New(name, backendAddr string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		Name:        name,
		BackendAddr: backendAddr,
		Dial:        net.Dial,
		Logger:      logger,
		conns:       make(map[string]*proxyConn),
	}
}

// Handler returns a kite.Handler that proxies this kite's streams.
func (m *Manager) Handler() kite.Handler {
	return func(ctx kite.StreamContext) error {
		rs, ok := ctx.(relayStream)
		if !ok {
			return fmt.Errorf("rawproxy: context %T does not support raw streaming", ctx)
		}
		return m.handleFrame(rs, rs.Frame())
	}
}

type proxyConn struct {
	conn      net.Conn
	sentBytes int
	readBytes int
}

func (m *Manager) handleFrame(rs relayStream, frame *wire.Frame) error {
	sid := frame.RawSID()

	m.mu.Lock()
	pc, exists := m.conns[sid]
	m.mu.Unlock()

	if !exists {
		conn, err := m.Dial("tcp", m.BackendAddr)
		if err != nil {
			m.logRequest(frame, 503, "-", "-")
			return rs.SendEOF(sid)
		}
		pc = &proxyConn{conn: conn}
		m.mu.Lock()
		m.conns[sid] = pc
		m.mu.Unlock()

		rs.Register(sid, func(f *wire.Frame) error {
			return m.writeFrame(rs, pc, sid, f)
		})
		go m.pump(rs, pc, sid, frame)
	}

	return m.writeFrame(rs, pc, sid, frame)
}

// writeFrame forwards a frame's payload to the backend and honors its
// EOF flags; frame.EOF()=="" means neither direction closed.
func (m *Manager) writeFrame(rs relayStream, pc *proxyConn, sid string, f *wire.Frame) error {
	eofRead, eofWrite := f.EOFRead(), f.EOFWrite()
	if eof := f.EOF(); eof != "" && !eofRead && !eofWrite {
		eofRead, eofWrite = true, true
	}

	if len(f.Payload) > 0 {
		n, err := pc.conn.Write(f.Payload)
		pc.readBytes += n
		if err != nil {
			m.closeConn(sid, pc)
			return rs.SendEOF(sid)
		}
	}

	if eofWrite {
		if cw, ok := pc.conn.(interface{ CloseWrite() error }); ok {
			cw.CloseWrite()
		}
	}
	if eofRead {
		m.closeConn(sid, pc)
	}
	return nil
}

// pump reads backend bytes and forwards them as DATA frames until the
// backend closes or the write fails, then sends EOF upstream.
func (m *Manager) pump(rs relayStream, pc *proxyConn, sid string, openFrame *wire.Frame) {
	buf := make([]byte, 2048)
	code := 200
	for {
		n, err := pc.conn.Read(buf)
		if n > 0 {
			if sendErr := rs.SendData(sid, buf[:n]); sendErr != nil {
				code = 500
				break
			}
			pc.sentBytes += n
		}
		if err != nil {
			break
		}
	}
	m.logRequest(openFrame, code, pc.sentBytes, pc.readBytes)
	rs.SendEOF(sid)
	m.closeConn(sid, pc)
}

func (m *Manager) closeConn(sid string, pc *proxyConn) {
	m.mu.Lock()
	if existing, ok := m.conns[sid]; ok && existing == pc {
		delete(m.conns, sid)
	}
	m.mu.Unlock()
	pc.conn.Close()
}

func (m *Manager) logRequest(frame *wire.Frame, code int, sent, rcvd any) {
	m.Logger.Info("raw proxy request",
		"kite", m.Name,
		"remote_ip", frame.RemoteIP(),
		"host", frame.Host(),
		"port", frame.Port(),
		"code", code,
		"sent", sent,
		"rcvd", rcvd,
		"time", time.Now().Format(time.RFC3339),
	)
}
