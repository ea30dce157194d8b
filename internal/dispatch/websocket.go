package dispatch

import (
	"github.com/pagekite/upk-go/internal/errs"
	"github.com/pagekite/upk-go/internal/httpserver"
	"github.com/pagekite/upk-go/internal/wire"
	"github.com/pagekite/upk-go/internal/wsmux"
)

// handleUpgrade accepts a validated WebSocket upgrade, sends the 101
// response, subscribes the stream to a channel keyed by its path, and
// registers a continuation handler that feeds subsequent DATA frames
// through wsmux's frame parser and reassembler into the registry.
func (b *Bridge) handleUpgrade(rs relayStream, sid string, req *httpserver.Request) error {
	channel := req.Path
	accept, err := wsmux.Accept(wsmux.UpgradeRequest{
		Headers:   req.Headers,
		Host:      req.Headers["Host"],
		LiveConns: b.Sockets.Count(channel),
		MaxConns:  b.MaxWSConnsPerRoute,
	})
	if err != nil {
		return b.reject(rs, sid, statusFor(err), err)
	}

	resp := &httpserver.Response{
		Code:    101,
		Msg:     "Switching Protocols",
		Upgrade: true,
		Headers: map[string]string{
			"Upgrade":              "websocket",
			"Connection":           "Upgrade",
			"Sec-WebSocket-Accept": accept,
		},
	}
	if err := rs.SendData(sid, httpserver.FormatResponse(resp, false)); err != nil {
		return err
	}

	conn := &wsConn{rs: rs, sid: sid, channel: channel, registry: b.Sockets}
	if err := b.Sockets.Subscribe(channel, sid, conn); err != nil {
		return err
	}
	rs.Register(sid, conn.handleFrame)
	b.logRequest(req, resp.Code)
	return nil
}

func statusFor(err error) int {
	if p, ok := err.(*errs.Permission); ok {
		return p.Code
	}
	return 400
}

// wsConn adapts one upgraded stream to wsmux.Stream, buffering partial
// RFC 6455 frames across DATA chunks and reassembling fragmented
// messages before fanning them out to the channel's other subscribers.
type wsConn struct {
	rs       relayStream
	sid      string
	channel  string
	registry *wsmux.Registry

	pending     []byte
	reassembler wsmux.Reassembler
}

// Send implements wsmux.Stream, delivering a broadcast message to this
// visitor as a DATA frame.
func (w *wsConn) Send(opcode byte, payload []byte) error {
	return w.rs.SendData(w.sid, wsmux.FormatFrame(opcode, payload, true))
}

func (w *wsConn) handleFrame(f *wire.Frame) error {
	w.pending = append(w.pending, f.Payload...)
	for {
		frame, n, ok := wsmux.ParseFrame(w.pending)
		if !ok {
			break
		}
		w.pending = w.pending[n:]

		if err, handled := wsmux.HandleControl(frame, w.Send); handled {
			if err != nil {
				w.registry.Unsubscribe(w.channel, w.sid)
				return err
			}
			continue
		}
		if opcode, payload, complete := w.reassembler.Feed(frame); complete {
			w.registry.Broadcast(w.channel, opcode, payload, func(sid string) bool { return sid != w.sid })
		}
	}

	if f.EOFRead() {
		w.registry.Unsubscribe(w.channel, w.sid)
		return &errs.EofStream{SID: w.sid}
	}
	return nil
}
