package locallistener

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/pagekite/upk-go/internal/kite"
)

func Test_no_terminator_yields_408(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	k := &kite.Kite{Name: "x", Proto: "http"}
	l := New(ln, k, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Serve(ctx)

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.Write([]byte("GET / HTTP/1.0\r\n")) // no terminating blank line

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if line != "HTTP/1.0 408 Timed out\r\n" {
		t.Fatalf("expected 408 response line, got %q", line)
	}
}

func Test_synthetic_sid_unique_per_connection(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()
	a := syntheticSID(c1)
	b := syntheticSID(c2)
	if a == b {
		t.Fatal("expected distinct SIDs for distinct connections")
	}
}
