// Package errs defines the tunnel's failure-mode sum type.
//
// The control and HTTP layers never use exception-style control flow across
// the tunnel boundary; every failure mode a handler needs to branch on is
// one of the concrete types below, reachable with errors.As.
package errs

import "fmt"

// Kind identifies which sum-type member an error is, for callers that want
// a quick switch without importing every concrete type.
type Kind int

const (
	KindRejected Kind = iota
	KindEofTunnel
	KindEofStream
	KindPermission
	KindTransport
	KindParse
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindRejected:
		return "rejected"
	case KindEofTunnel:
		return "eof_tunnel"
	case KindEofStream:
		return "eof_stream"
	case KindPermission:
		return "permission"
	case KindTransport:
		return "transport"
	case KindParse:
		return "parse"
	case KindNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Rejected means a relay declined one or more kites during handshake.
type Rejected struct {
	Reason string
}

func (e *Rejected) Error() string { return "rejected: " + e.Reason }
func (e *Rejected) Kind() Kind    { return KindRejected }

// EofTunnel means the relay connection itself ended, cleanly or not, or a
// chunk header was malformed. Fatal for the connection; triggers reconnect.
type EofTunnel struct {
	Cause error
}

func (e *EofTunnel) Error() string {
	if e.Cause != nil {
		return "tunnel eof: " + e.Cause.Error()
	}
	return "tunnel eof"
}
func (e *EofTunnel) Unwrap() error { return e.Cause }
func (e *EofTunnel) Kind() Kind    { return KindEofTunnel }

// EofStream means a peer closed one per-SID substream. Not fatal to the
// tunnel as a whole.
type EofStream struct {
	SID string
}

func (e *EofStream) Error() string { return fmt.Sprintf("stream eof: sid=%s", e.SID) }
func (e *EofStream) Kind() Kind    { return KindEofStream }

// Permission means access control failed in the HTTP layer. Code is the
// HTTP status to surface (401 or 403).
type Permission struct {
	Code int
	Msg  string
}

func (e *Permission) Error() string { return fmt.Sprintf("permission denied (%d): %s", e.Code, e.Msg) }
func (e *Permission) Kind() Kind    { return KindPermission }

// Transport wraps an I/O error. At the connection level it is treated like
// EofTunnel; at the HTTP level it becomes a 5xx.
type Transport struct {
	Cause error
}

func (e *Transport) Error() string { return "transport: " + e.Cause.Error() }
func (e *Transport) Unwrap() error { return e.Cause }
func (e *Transport) Kind() Kind    { return KindTransport }

// Parse means a malformed request, oversize body, or invalid multipart.
// Surfaced as 400.
type Parse struct {
	Msg string
}

func (e *Parse) Error() string { return "parse error: " + e.Msg }
func (e *Parse) Kind() Kind    { return KindParse }

// NotFound means no registered handler and no file matched. Surfaced as
// 404, with a chance to delegate to a 404 handler first.
type NotFound struct {
	Path string
}

func (e *NotFound) Error() string { return "not found: " + e.Path }
func (e *NotFound) Kind() Kind    { return KindNotFound }
