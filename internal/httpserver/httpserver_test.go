package httpserver

import (
	"os"
	"path/filepath"
	"testing"
)

func Test_parse_request_basic(t *testing.T) {
	raw := []byte("GET /foo?a=1 HTTP/1.0\r\nHost: example.com\r\nX-Ignored: nope\r\n\r\n")
	req, err := ParseRequest(raw)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if req.Method != "GET" || req.Path != "/foo" {
		t.Fatalf("unexpected method/path: %q %q", req.Method, req.Path)
	}
	if req.Query.Get("a") != "1" {
		t.Fatalf("expected query a=1, got %v", req.Query)
	}
	if req.Headers["Host"] != "example.com" {
		t.Fatalf("expected Host header retained, got %v", req.Headers)
	}
	if _, ok := req.Headers["X-Ignored"]; ok {
		t.Fatalf("expected non-allow-listed header dropped, got %v", req.Headers)
	}
}

func Test_parse_request_rejects_path_traversal(t *testing.T) {
	raw := []byte("GET /../../etc/passwd HTTP/1.0\r\n\r\n")
	_, err := ParseRequest(raw)
	if err == nil {
		t.Fatal("expected error for path traversal")
	}
}

func Test_parse_request_rejects_disallowed_method(t *testing.T) {
	raw := []byte("DELETE /foo HTTP/1.0\r\n\r\n")
	_, err := ParseRequest(raw)
	if err == nil {
		t.Fatal("expected error for disallowed method")
	}
}

func Test_registered_handler_wins_over_filesystem(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "foo.html"), []byte("from disk"), 0644)

	s := New(dir)
	s.Handle("/foo.html", func(req *Request, env *Env) (*Response, error) {
		return &Response{Code: 200, Body: []byte("from handler")}, nil
	})

	resp, err := s.Serve(&Request{Method: "GET", Path: "/foo.html"}, &Env{})
	if err != nil {
		t.Fatalf("serve failed: %v", err)
	}
	if string(resp.Body) != "from handler" {
		t.Fatalf("expected handler to win, got %q", resp.Body)
	}
}

func Test_unknown_path_falls_back_to_404(t *testing.T) {
	s := New(t.TempDir())
	resp, err := s.Serve(&Request{Method: "GET", Path: "/missing.html"}, &Env{})
	if err != nil {
		t.Fatalf("serve failed: %v", err)
	}
	if resp.Code != 404 {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
}

func Test_unknown_path_uses_registered_404_handler(t *testing.T) {
	s := New(t.TempDir())
	s.Handle("/404", func(req *Request, env *Env) (*Response, error) {
		return &Response{Code: 404, Body: []byte("custom not found")}, nil
	})
	resp, err := s.Serve(&Request{Method: "GET", Path: "/missing.html"}, &Env{})
	if err != nil {
		t.Fatalf("serve failed: %v", err)
	}
	if string(resp.Body) != "custom not found" {
		t.Fatalf("expected custom 404 body, got %q", resp.Body)
	}
}

func Test_directory_falls_through_to_index_html(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "index.html"), []byte("index"), 0644)

	s := New(dir)
	resp, err := s.Serve(&Request{Method: "GET", Path: "/"}, &Env{})
	if err != nil {
		t.Fatalf("serve failed: %v", err)
	}
	if resp.FilePath != filepath.Join(dir, "index.html") {
		t.Fatalf("expected index.html to be served, got FilePath %q", resp.FilePath)
	}
}

func Test_format_response_uses_http_1_1_on_upgrade(t *testing.T) {
	resp := &Response{Code: 101, Msg: "Switching Protocols", Upgrade: true}
	out := FormatResponse(resp, false)
	if string(out[:8]) != "HTTP/1.1" {
		t.Fatalf("expected HTTP/1.1 status line, got %q", out[:20])
	}
}

func Test_format_response_head_suppresses_body(t *testing.T) {
	resp := &Response{Code: 200, Body: []byte("hello")}
	out := FormatResponse(resp, true)
	if containsBytes(out, []byte("hello")) {
		t.Fatalf("expected body suppressed for HEAD, got %q", out)
	}
}

func containsBytes(haystack, needle []byte) bool {
	if len(needle) == 0 {
		return true
	}
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if string(haystack[i:i+len(needle)]) == string(needle) {
			return true
		}
	}
	return false
}
