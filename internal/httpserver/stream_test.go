package httpserver

import (
	"bytes"
	"testing"
)

func Test_stream_file_total_bytes_match(t *testing.T) {
	const size = 256 * 1024
	data := bytes.Repeat([]byte{0xAB}, size)

	window := NewSKBWindow()
	window.Update(1 << 20) // generous window so the transfer isn't throttled in the test

	var out bytes.Buffer
	eof := make(chan struct{})

	sent, err := StreamFile(bytes.NewReader(data), 4096, window, func(b []byte) error {
		out.Write(b)
		return nil
	}, eof)
	if err != nil {
		t.Fatalf("stream failed: %v", err)
	}
	if sent != size {
		t.Fatalf("expected %d bytes sent, got %d", size, sent)
	}
	if out.Len() != size {
		t.Fatalf("expected %d bytes written, got %d", size, out.Len())
	}
}

func Test_stream_stops_on_eof_signal(t *testing.T) {
	data := bytes.Repeat([]byte{0x01}, 1<<20)
	eof := make(chan struct{})
	close(eof)

	sent, err := StreamFile(bytes.NewReader(data), 4096, nil, func(b []byte) error {
		return nil
	}, eof)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sent != 0 {
		t.Fatalf("expected zero bytes sent after immediate eof, got %d", sent)
	}
}

func Test_stream_propagates_send_error(t *testing.T) {
	data := bytes.Repeat([]byte{0x01}, 4096)
	eof := make(chan struct{})

	wantErr := errBoom
	_, err := StreamFile(bytes.NewReader(data), 1024, nil, func(b []byte) error {
		return wantErr
	}, eof)
	if err != wantErr {
		t.Fatalf("expected send error to propagate, got %v", err)
	}
}

var errBoom = &boomError{}

type boomError struct{}

func (*boomError) Error() string { return "boom" }
