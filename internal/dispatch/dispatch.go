// Package dispatch bridges kite.StreamContext to internal/httpserver: it
// reassembles the HTTP request carried in a relayed frame (including a
// POST body collected across continuation frames via internal/reqbody),
// serves it through an httpserver.Server, and streams the formatted
// response back over the stream.
//
// Grounded on internal/rawproxy's frame-handling shape, generalized from
// raw byte passthrough to full request/response reassembly per
// upagekite/httpd.py's HTTPConnection.handle_request.
package dispatch

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/pagekite/upk-go/internal/httpserver"
	"github.com/pagekite/upk-go/internal/kite"
	"github.com/pagekite/upk-go/internal/reqbody"
	"github.com/pagekite/upk-go/internal/wire"
	"github.com/pagekite/upk-go/internal/wsmux"
)

// relayStream is the subset of relayconn's stream context dispatch
// needs, mirroring internal/rawproxy's relayStream. Satisfied
// structurally by relayconn's per-stream context.
type relayStream interface {
	kite.StreamContext
	Frame() *wire.Frame
	Register(sid string, fn func(frame *wire.Frame) error)
	SendData(sid string, data []byte) error
	SendEOF(sid string) error
}

// Bridge dispatches HTTP(S) kite streams to an httpserver.Server,
// upgrading matching requests into wsmux-multiplexed WebSockets.
type Bridge struct {
	Server  *httpserver.Server
	CSRF    *reqbody.CSRFRing
	Sockets *wsmux.Registry
	Logger  *slog.Logger

	Name               string
	MaxWSConnsPerRoute int
}

// New builds a Bridge serving srv's routes/webroot for kite name.
func New(name string, srv *httpserver.Server, csrf *reqbody.CSRFRing, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		Server:  srv,
		CSRF:    csrf,
		Sockets: wsmux.NewRegistry(0),
		Logger:  logger,
		Name:    name,
	}
}

// Handler returns a kite.Handler that serves this kite's HTTP streams.
func (b *Bridge) Handler() kite.Handler {
	return func(ctx kite.StreamContext) error {
		rs, ok := ctx.(relayStream)
		if !ok {
			return fmt.Errorf("dispatch: context %T does not support HTTP streaming", ctx)
		}
		return b.handleFrame(rs, rs.Frame())
	}
}

func (b *Bridge) handleFrame(rs relayStream, frame *wire.Frame) error {
	sid := frame.RawSID()

	req, err := httpserver.ParseRequest(frame.Payload)
	if err != nil {
		return b.reject(rs, sid, 400, err)
	}

	if isWebSocketUpgrade(req) {
		return b.handleUpgrade(rs, sid, req)
	}

	if req.Method != "POST" {
		return b.serve(rs, sid, req)
	}

	contentLength, err := reqbody.ContentLengthFromHeader(req.Headers["Content-Length"])
	if err != nil {
		return b.reject(rs, sid, 400, err)
	}
	collector, err := reqbody.NewCollector(contentLength, req.Headers["Content-Type"])
	if err != nil {
		return b.reject(rs, sid, 400, err)
	}

	done, err := collector.Append(req.Body)
	if err != nil {
		return b.reject(rs, sid, 400, err)
	}
	if done {
		return b.finishPost(rs, sid, req, collector)
	}

	rs.Register(sid, func(f *wire.Frame) error {
		d, err := collector.Append(f.Payload)
		if err != nil {
			return b.reject(rs, sid, 400, err)
		}
		if !d && !f.EOFRead() {
			return nil
		}
		return b.finishPost(rs, sid, req, collector)
	})
	return nil
}

func (b *Bridge) finishPost(rs relayStream, sid string, req *httpserver.Request, collector *reqbody.Collector) error {
	parsed, err := collector.Parse()
	if err != nil {
		return b.reject(rs, sid, 400, err)
	}
	req.Body = parsed.Raw

	if collector.RequiresCSRF() {
		if err := reqbody.RequireCSRF(b.CSRF, req.Method, parsed.Form); err != nil {
			return b.reject(rs, sid, 403, err)
		}
	}
	return b.serve(rs, sid, req)
}

func (b *Bridge) serve(rs relayStream, sid string, req *httpserver.Request) error {
	env := &httpserver.Env{
		Reply: func(chunk []byte) error { return rs.SendData(sid, chunk) },
	}
	resp, err := b.Server.Serve(req, env)
	if err != nil {
		return b.reject(rs, sid, 500, err)
	}

	b.logRequest(req, resp.Code)
	if resp.FilePath != "" {
		return b.streamFile(rs, sid, req, resp)
	}

	if err := rs.SendData(sid, httpserver.FormatResponse(resp, req.Method == "HEAD")); err != nil {
		return err
	}
	for _, action := range env.PostponeActions {
		action()
	}
	return rs.SendEOF(sid)
}

func isWebSocketUpgrade(req *httpserver.Request) bool {
	return strings.EqualFold(req.Headers["Upgrade"], "websocket")
}

func (b *Bridge) reject(rs relayStream, sid string, code int, cause error) error {
	resp := &httpserver.Response{Code: code, Body: []byte(cause.Error())}
	b.logRequest(&httpserver.Request{Method: "-", Path: "-"}, code)
	if err := rs.SendData(sid, httpserver.FormatResponse(resp, false)); err != nil {
		return err
	}
	return rs.SendEOF(sid)
}

func (b *Bridge) logRequest(req *httpserver.Request, code int) {
	b.Logger.Info("http request",
		"kite", b.Name,
		"method", req.Method,
		"path", req.Path,
		"code", code,
	)
}
