package dispatch

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pagekite/upk-go/internal/httpserver"
	"github.com/pagekite/upk-go/internal/reqbody"
	"github.com/pagekite/upk-go/internal/wire"
	"github.com/pagekite/upk-go/internal/wsmux"
)

// fakeRelayStream is guarded by a mutex because streamFile and the
// websocket broadcast path deliver data from a background goroutine.
type fakeRelayStream struct {
	sid   string
	frame *wire.Frame

	mu         sync.Mutex
	registered func(*wire.Frame) error
	sent       [][]byte
	eofSent    bool
}

func (f *fakeRelayStream) SID() string        { return f.sid }
func (f *fakeRelayStream) Host() string       { return f.frame.Host() }
func (f *fakeRelayStream) Proto() string      { return f.frame.Proto() }
func (f *fakeRelayStream) RemoteIP() string   { return f.frame.RemoteIP() }
func (f *fakeRelayStream) Frame() *wire.Frame { return f.frame }

func (f *fakeRelayStream) Register(sid string, fn func(*wire.Frame) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered = fn
}

func (f *fakeRelayStream) call(frame *wire.Frame) error {
	f.mu.Lock()
	fn := f.registered
	f.mu.Unlock()
	return fn(frame)
}

func (f *fakeRelayStream) SendData(sid string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, append([]byte{}, data...))
	return nil
}

func (f *fakeRelayStream) SendEOF(sid string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.eofSent = true
	return nil
}

func (f *fakeRelayStream) snapshot() ([][]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte{}, f.sent...), f.eofSent
}

func newFrame(t *testing.T, sid, headerExtra, payload string) *wire.Frame {
	t.Helper()
	raw := "SID: " + sid + "\r\nHost: example.com\r\nProto: http\r\nPort: 80\r\nRIP: 1.2.3.4\r\n" +
		headerExtra + "\r\n" + payload
	frame, err := wire.NewFrame([]byte(raw), "")
	if err != nil {
		t.Fatalf("building frame: %v", err)
	}
	return frame
}

func newBridge() *Bridge {
	srv := httpserver.New("/tmp/does-not-exist")
	srv.Handle("/hello", func(req *httpserver.Request, env *httpserver.Env) (*httpserver.Response, error) {
		return &httpserver.Response{Code: 200, Body: []byte("hi")}, nil
	})
	return New("test-kite", srv, reqbody.NewCSRFRing(), nil)
}

func Test_handle_frame_serves_get_immediately(t *testing.T) {
	b := newBridge()
	frame := newFrame(t, "s1", "", "GET /hello HTTP/1.0\r\n")
	rs := &fakeRelayStream{sid: "s1", frame: frame}

	if err := b.handleFrame(rs, frame); err != nil {
		t.Fatalf("handleFrame: %v", err)
	}
	sent, eof := rs.snapshot()
	if !eof {
		t.Fatal("expected EOF after a single-shot GET response")
	}
	if len(sent) != 1 || !strings.Contains(string(sent[0]), "hi") {
		t.Fatalf("unexpected response: %v", sent)
	}
}

func Test_handle_frame_rejects_bad_request_line(t *testing.T) {
	b := newBridge()
	frame := newFrame(t, "s2", "", "???\r\n")
	rs := &fakeRelayStream{sid: "s2", frame: frame}

	if err := b.handleFrame(rs, frame); err != nil {
		t.Fatalf("handleFrame: %v", err)
	}
	sent, eof := rs.snapshot()
	if !eof || len(sent) != 1 {
		t.Fatalf("expected a rejected response and EOF, got sent=%v eof=%v", sent, eof)
	}
	if !strings.Contains(string(sent[0]), "400") {
		t.Fatalf("expected a 400 response, got %q", sent[0])
	}
}

func Test_handle_frame_rejects_oversize_post_with_400(t *testing.T) {
	b := newBridge()
	headers := "Content-Length: 999999999\r\n"
	frame := newFrame(t, "s2b", headers, "POST /hello HTTP/1.0\r\n"+headers+"\r\n")
	rs := &fakeRelayStream{sid: "s2b", frame: frame}

	if err := b.handleFrame(rs, frame); err != nil {
		t.Fatalf("handleFrame: %v", err)
	}
	sent, eof := rs.snapshot()
	if !eof || len(sent) != 1 {
		t.Fatalf("expected a rejected response and EOF, got sent=%v eof=%v", sent, eof)
	}
	if !strings.Contains(string(sent[0]), "400") {
		t.Fatalf("expected a 400 response for an oversize body, got %q", sent[0])
	}
}

func Test_handle_frame_completes_post_across_continuation_frames(t *testing.T) {
	b := newBridge()
	b.Server.Handle("/submit", func(req *httpserver.Request, env *httpserver.Env) (*httpserver.Response, error) {
		return &httpserver.Response{Code: 200, Body: req.Body}, nil
	})

	body := `{"a":1}`
	headers := "Content-Length: " + itoa(len(body)) + "\r\nContent-Type: application/json\r\n"
	frame := newFrame(t, "s3", headers, "POST /submit HTTP/1.0\r\n"+headers+"\r\n"+body[:3])
	rs := &fakeRelayStream{sid: "s3", frame: frame}

	if err := b.handleFrame(rs, frame); err != nil {
		t.Fatalf("handleFrame: %v", err)
	}
	sent, eof := rs.snapshot()
	if eof {
		t.Fatal("did not expect EOF before the body completed")
	}
	rs.mu.Lock()
	hasHandler := rs.registered != nil
	rs.mu.Unlock()
	if !hasHandler {
		t.Fatal("expected a continuation handler to be registered")
	}

	cont, err := wire.NewFrame([]byte("SID: s3\r\n\r\n"+body[3:]), "")
	if err != nil {
		t.Fatalf("building continuation frame: %v", err)
	}
	if err := rs.call(cont); err != nil {
		t.Fatalf("continuation handler: %v", err)
	}
	sent, eof = rs.snapshot()
	if !eof {
		t.Fatal("expected EOF once the body was fully collected")
	}
	if len(sent) != 1 || !strings.Contains(string(sent[0]), body) {
		t.Fatalf("unexpected response: %v", sent)
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

const upgradeHeaders = "Upgrade: websocket\r\nConnection: Upgrade\r\n" +
	"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\nSec-WebSocket-Version: 13\r\n"

func Test_handle_frame_upgrades_websocket_and_broadcasts(t *testing.T) {
	b := newBridge()

	frameA := newFrame(t, "sA", upgradeHeaders, "GET /chat HTTP/1.1\r\n"+upgradeHeaders)
	rsA := &fakeRelayStream{sid: "sA", frame: frameA}
	if err := b.handleFrame(rsA, frameA); err != nil {
		t.Fatalf("handleFrame (A): %v", err)
	}
	sentA, eofA := rsA.snapshot()
	if eofA {
		t.Fatal("an upgraded stream must not receive EOF")
	}
	if len(sentA) != 1 || !strings.Contains(string(sentA[0]), "101") {
		t.Fatalf("expected a 101 response, got %v", sentA)
	}

	frameB := newFrame(t, "sB", upgradeHeaders, "GET /chat HTTP/1.1\r\n"+upgradeHeaders)
	rsB := &fakeRelayStream{sid: "sB", frame: frameB}
	if err := b.handleFrame(rsB, frameB); err != nil {
		t.Fatalf("handleFrame (B): %v", err)
	}

	if got := b.Sockets.Count("/chat"); got != 2 {
		t.Fatalf("expected 2 subscribers on /chat, got %d", got)
	}

	clientFrame := maskedClientFrame(wsmux.OpText, []byte("hello"))
	cont, err := wire.NewFrame([]byte("SID: sA\r\n\r\n"+string(clientFrame)), "")
	if err != nil {
		t.Fatalf("building continuation frame: %v", err)
	}
	if err := rsA.call(cont); err != nil {
		t.Fatalf("websocket continuation handler: %v", err)
	}

	sentB, _ := rsB.snapshot()
	if len(sentB) != 2 {
		t.Fatalf("expected B to receive its 101 response plus the broadcast, got %d frames", len(sentB))
	}
	decoded, _, ok := wsmux.ParseFrame(sentB[1])
	if !ok {
		t.Fatal("expected a parseable websocket frame forwarded to B")
	}
	if string(decoded.Payload) != "hello" {
		t.Fatalf("got payload %q, want %q", decoded.Payload, "hello")
	}

	sentA, _ = rsA.snapshot()
	if len(sentA) != 1 {
		t.Fatal("broadcast must not echo back to the sender")
	}
}

// maskedClientFrame builds a masked RFC 6455 frame the way a browser
// client would send it (servers never see unmasked client frames).
func maskedClientFrame(opcode byte, payload []byte) []byte {
	out := []byte{0x80 | opcode, 0x80 | byte(len(payload))}
	mask := [4]byte{1, 2, 3, 4}
	out = append(out, mask[:]...)
	masked := make([]byte, len(payload))
	for i, c := range payload {
		masked[i] = c ^ mask[i%4]
	}
	return append(out, masked...)
}

func Test_serve_streams_static_file_in_bounded_chunks(t *testing.T) {
	dir := t.TempDir()
	content := strings.Repeat("x", 3*64*1024)
	if err := os.WriteFile(filepath.Join(dir, "big.bin"), []byte(content), 0600); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	srv := httpserver.New(dir)
	b := New("test-kite", srv, reqbody.NewCSRFRing(), nil)

	frame := newFrame(t, "s4", "", "GET /big.bin HTTP/1.0\r\n")
	rs := &fakeRelayStream{sid: "s4", frame: frame}

	if err := b.handleFrame(rs, frame); err != nil {
		t.Fatalf("handleFrame: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	var sent [][]byte
	var eof bool
	for time.Now().Before(deadline) {
		sent, eof = rs.snapshot()
		if eof {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !eof {
		t.Fatal("timed out waiting for the file stream to finish")
	}
	if len(sent) < 2 {
		t.Fatalf("expected a header plus at least one body chunk, got %d sends", len(sent))
	}
	if !strings.Contains(string(sent[0]), "Content-Length: "+itoa(len(content))) {
		t.Fatalf("expected a Content-Length header matching the file size, got %q", sent[0])
	}

	var body strings.Builder
	for _, chunk := range sent[1:] {
		body.Write(chunk)
	}
	if body.String() != content {
		t.Fatal("streamed body did not match the source file")
	}
}
