// Package wsmux implements the per-visitor virtual WebSocket layer:
// upgrade handshake, RFC 6455 frame codec, and a channel-based
// subscriber registry with broadcast.
//
// This rides inside already-demultiplexed tunnel frames (the visitor's
// bytes arrive as DATA frame payloads on a SID, not as a real net.Conn),
// so gorilla/websocket's Upgrader — which needs to hijack a genuine
// net.Conn — cannot apply here; framing is hand-rolled against
// RFC 6455 directly, the way upagekite/websocket.py does it. Genuine
// net.Conn websocket usage is instead exercised by the admin
// observability server (see internal/admin), which upgrades a real
// listener connection with gorilla/websocket.
package wsmux

import (
	"crypto/sha1"
	"encoding/base64"
	"encoding/binary"
	"io"
	"strings"
	"sync"

	"github.com/pagekite/upk-go/internal/errs"
)

const acceptGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// Opcode values per RFC 6455 §11.8.
const (
	OpContinuation = 0x0
	OpText         = 0x1
	OpBinary       = 0x2
	OpClose        = 0x8
	OpPing         = 0x9
	OpPong         = 0xA
)

// UpgradeRequest is the subset of an incoming request's headers needed
// to validate and accept a WebSocket upgrade.
type UpgradeRequest struct {
	Headers    map[string]string
	Host       string
	LiveConns  int
	MaxConns   int
}

// Accept validates the upgrade preconditions (Upgrade header, key
// presence, protocol version, origin match, connection limit) and
// computes the Sec-WebSocket-Accept value, or returns an error.
func Accept(req UpgradeRequest) (acceptValue string, err error) {
	if !strings.EqualFold(req.Headers["Upgrade"], "websocket") {
		return "", &errs.Parse{Msg: "missing Upgrade: websocket"}
	}
	key := req.Headers["Sec-WebSocket-Key"]
	if key == "" {
		return "", &errs.Parse{Msg: "missing Sec-WebSocket-Key"}
	}
	if req.Headers["Sec-WebSocket-Version"] != "13" {
		return "", &errs.Parse{Msg: "unsupported Sec-WebSocket-Version"}
	}
	if origin := req.Headers["Origin"]; origin != "" && req.Host != "" {
		if !strings.HasSuffix(origin, req.Host) {
			return "", &errs.Permission{Code: 403, Msg: "origin mismatch"}
		}
	}
	if req.MaxConns > 0 && req.LiveConns >= req.MaxConns {
		return "", &errs.Permission{Code: 503, Msg: "too many websocket connections"}
	}

	sum := sha1.Sum([]byte(key + acceptGUID))
	return base64.StdEncoding.EncodeToString(sum[:]), nil
}

// Frame is one decoded RFC 6455 frame.
type Frame struct {
	Fin     bool
	Opcode  byte
	Payload []byte
}

// ParseFrame decodes one frame from buf, returning the frame, the number
// of bytes consumed, and whether enough bytes were present.
func ParseFrame(buf []byte) (*Frame, int, bool) {
	if len(buf) < 2 {
		return nil, 0, false
	}
	fin := buf[0]&0x80 != 0
	opcode := buf[0] & 0x0F
	masked := buf[1]&0x80 != 0
	length := int(buf[1] & 0x7F)

	off := 2
	switch length {
	case 126:
		if len(buf) < off+2 {
			return nil, 0, false
		}
		length = int(binary.BigEndian.Uint16(buf[off:]))
		off += 2
	case 127:
		if len(buf) < off+8 {
			return nil, 0, false
		}
		length = int(binary.BigEndian.Uint64(buf[off:]))
		off += 8
	}

	var maskKey [4]byte
	if masked {
		if len(buf) < off+4 {
			return nil, 0, false
		}
		copy(maskKey[:], buf[off:off+4])
		off += 4
	}

	if len(buf) < off+length {
		return nil, 0, false
	}
	payload := make([]byte, length)
	copy(payload, buf[off:off+length])
	if masked {
		for i := range payload {
			payload[i] ^= maskKey[i%4]
		}
	}
	return &Frame{Fin: fin, Opcode: opcode, Payload: payload}, off + length, true
}

// FormatFrame encodes a server->client frame (unmasked, per RFC 6455 -
// servers never mask their frames).
func FormatFrame(opcode byte, payload []byte, fin bool) []byte {
	var out []byte
	first := opcode & 0x0F
	if fin {
		first |= 0x80
	}
	out = append(out, first)

	n := len(payload)
	switch {
	case n <= 125:
		out = append(out, byte(n))
	case n <= 0xFFFF:
		out = append(out, 126)
		out = binary.BigEndian.AppendUint16(out, uint16(n))
	default:
		out = append(out, 127)
		out = binary.BigEndian.AppendUint64(out, uint64(n))
	}
	out = append(out, payload...)
	return out
}

// Reassembler accumulates continuation frames into the opcode of the
// frame that started the message.
type Reassembler struct {
	opcode  byte
	buf     []byte
	started bool
}

// Feed processes one decoded frame, returning a complete message
// (opcode, payload) once a FIN frame completes it.
func (r *Reassembler) Feed(f *Frame) (opcode byte, payload []byte, complete bool) {
	switch f.Opcode {
	case OpContinuation:
		r.buf = append(r.buf, f.Payload...)
	default:
		r.opcode = f.Opcode
		r.buf = append([]byte{}, f.Payload...)
		r.started = true
	}
	if f.Fin && r.started {
		opcode, payload = r.opcode, r.buf
		r.buf = nil
		r.started = false
		return opcode, payload, true
	}
	return 0, nil, false
}

// Stream is a single subscriber's outbound sink.
type Stream interface {
	Send(opcode byte, payload []byte) error
}

// Registry is the process-wide channel_id -> {sid -> stream} map used
// to fan broadcast messages out to every subscriber of a channel.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]map[string]Stream
	maxSubs  int
}

// NewRegistry returns an empty registry bounded by maxSubs per channel
// (0 means unbounded).
func NewRegistry(maxSubs int) *Registry {
	return &Registry{channels: make(map[string]map[string]Stream), maxSubs: maxSubs}
}

// Subscribe adds stream under sid on channel.
func (r *Registry) Subscribe(channel, sid string, stream Stream) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	subs, ok := r.channels[channel]
	if !ok {
		subs = make(map[string]Stream)
		r.channels[channel] = subs
	}
	if r.maxSubs > 0 && len(subs) >= r.maxSubs {
		return &errs.Permission{Code: 503, Msg: "websocket channel full"}
	}
	subs[sid] = stream
	return nil
}

// Count returns the number of live subscribers on channel.
func (r *Registry) Count(channel string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels[channel])
}

// Unsubscribe removes sid from channel.
func (r *Registry) Unsubscribe(channel, sid string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if subs, ok := r.channels[channel]; ok {
		delete(subs, sid)
		if len(subs) == 0 {
			delete(r.channels, channel)
		}
	}
}

// Broadcast sends (opcode, msg) to every subscriber on channel except
// those for which only returns false, pruning subscribers whose Send
// errors.
func (r *Registry) Broadcast(channel string, opcode byte, msg []byte, only func(sid string) bool) {
	r.mu.RLock()
	subs := make(map[string]Stream, len(r.channels[channel]))
	for sid, s := range r.channels[channel] {
		subs[sid] = s
	}
	r.mu.RUnlock()

	var dead []string
	for sid, s := range subs {
		if only != nil && !only(sid) {
			continue
		}
		if err := s.Send(opcode, msg); err != nil {
			dead = append(dead, sid)
		}
	}
	if len(dead) > 0 {
		r.mu.Lock()
		if subs, ok := r.channels[channel]; ok {
			for _, sid := range dead {
				delete(subs, sid)
			}
		}
		r.mu.Unlock()
	}
}

// HandleControl responds to PING/CLOSE control frames: PING -> PONG
// with the same payload; CLOSE -> io.EOF to signal stream end.
// Non-control opcodes return (nil, false).
func HandleControl(f *Frame, reply func(opcode byte, payload []byte) error) (err error, handled bool) {
	switch f.Opcode {
	case OpPing:
		return reply(OpPong, f.Payload), true
	case OpClose:
		return io.EOF, true
	default:
		return nil, false
	}
}
