package rawproxy

import (
	"net"
	"testing"
	"time"

	"github.com/pagekite/upk-go/internal/wire"
)

type fakeRelayStream struct {
	sid        string
	frame      *wire.Frame
	registered func(*wire.Frame) error
	sent       [][]byte
	eofSent    bool
}

func (f *fakeRelayStream) SID() string      { return f.sid }
func (f *fakeRelayStream) Host() string     { return f.frame.Host() }
func (f *fakeRelayStream) Proto() string    { return f.frame.Proto() }
func (f *fakeRelayStream) RemoteIP() string { return f.frame.RemoteIP() }
func (f *fakeRelayStream) Frame() *wire.Frame { return f.frame }
func (f *fakeRelayStream) Register(sid string, fn func(*wire.Frame) error) {
	f.registered = fn
}
func (f *fakeRelayStream) SendData(sid string, data []byte) error {
	f.sent = append(f.sent, append([]byte{}, data...))
	return nil
}
func (f *fakeRelayStream) SendEOF(sid string) error {
	f.eofSent = true
	return nil
}

func newFrame(t *testing.T, sid, payload string) *wire.Frame {
	t.Helper()
	raw := "SID: " + sid + "\r\nHost: backend.example\r\nProto: raw\r\nPort: 22\r\nRIP: 1.2.3.4\r\n\r\n" + payload
	frame, err := wire.NewFrame([]byte(raw), "")
	if err != nil {
		t.Fatalf("building frame: %v", err)
	}
	return frame
}

func Test_handle_frame_dials_backend_and_forwards_payload(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	echoed := make(chan []byte, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 1024)
		n, _ := conn.Read(buf)
		echoed <- append([]byte{}, buf[:n]...)
		conn.Write([]byte("pong"))
	}()

	mgr := New("test-kite", ln.Addr().String(), nil)
	rs := &fakeRelayStream{sid: "stream1", frame: newFrame(t, "stream1", "ping")}

	if err := mgr.handleFrame(rs, rs.frame); err != nil {
		t.Fatalf("handleFrame failed: %v", err)
	}

	select {
	case got := <-echoed:
		if string(got) != "ping" {
			t.Fatalf("backend received %q, want %q", got, "ping")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for backend to receive payload")
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(rs.sent) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if len(rs.sent) == 0 {
		t.Fatal("expected backend reply to be forwarded as DATA frame")
	}
	if string(rs.sent[0]) != "pong" {
		t.Fatalf("got %q, want %q", rs.sent[0], "pong")
	}
}

func Test_handle_frame_sends_eof_when_dial_fails(t *testing.T) {
	mgr := New("test-kite", "127.0.0.1:1", nil) // port 1 should refuse immediately
	rs := &fakeRelayStream{sid: "stream2", frame: newFrame(t, "stream2", "")}

	if err := mgr.handleFrame(rs, rs.frame); err != nil {
		t.Fatalf("handleFrame failed: %v", err)
	}
	if !rs.eofSent {
		t.Fatal("expected EOF to be sent when backend dial fails")
	}
}
