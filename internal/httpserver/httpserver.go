// Package httpserver parses a synthesized HTTP/1.x request out of a
// tunnel frame's payload, routes it to a registered handler or the
// webroot filesystem, and formats the reply (single-shot or streaming).
//
// Grounded on github.com/reverseproxy's cmd/relay (its relay side turns
// a websocket frame into an http.Request and dispatches to a backend;
// this generalizes that dispatch to registered-handler-first,
// filesystem-fallback routing per upagekite/httpd.py's HTTPConnection).
package httpserver

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/pagekite/upk-go/internal/errs"
)

var allowedHeaderPrefix = regexp.MustCompile(`(?i)^(Auth|Con[nt]|Cook|Host|Orig|Sec-Web|Upgrade|User-Agent)`)

const maxHeaderLineLen = 128

// Request is a parsed HTTP request taken from a frame's payload.
type Request struct {
	Method  string
	Path    string
	Query   url.Values
	Proto   string
	Headers map[string]string
	Body    []byte
}

// ParseRequest splits raw at the header/body boundary and parses the
// request line and allow-listed headers.
func ParseRequest(raw []byte) (*Request, error) {
	headerBlock, body := splitHeaders(raw)
	lines := strings.Split(headerBlock, "\r\n")
	if len(lines) == 0 || lines[0] == "" {
		return nil, &errs.Parse{Msg: "empty request"}
	}

	fields := strings.Fields(lines[0])
	if len(fields) < 2 {
		return nil, &errs.Parse{Msg: "malformed request line"}
	}
	method, rawPath, proto := fields[0], fields[1], ""
	if len(fields) >= 3 {
		proto = fields[2]
	}

	if method != "GET" && method != "HEAD" && method != "POST" {
		return nil, &errs.Parse{Msg: "method not allowed: " + method}
	}
	if strings.Contains(rawPath, "..") {
		return nil, &errs.Parse{Msg: "path traversal rejected"}
	}

	path := rawPath
	query := url.Values{}
	if idx := strings.IndexByte(rawPath, '?'); idx >= 0 {
		path = rawPath[:idx]
		query, _ = url.ParseQuery(rawPath[idx+1:])
	}

	headers := make(map[string]string)
	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		if len(line) > maxHeaderLineLen {
			line = line[:maxHeaderLineLen]
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		name = strings.TrimSpace(name)
		if !allowedHeaderPrefix.MatchString(name) {
			continue
		}
		headers[name] = strings.TrimSpace(value)
	}

	return &Request{
		Method:  method,
		Path:    path,
		Query:   query,
		Proto:   proto,
		Headers: headers,
		Body:    body,
	}, nil
}

func splitHeaders(raw []byte) (string, []byte) {
	idx := strings.Index(string(raw), "\r\n\r\n")
	if idx < 0 {
		return string(raw), nil
	}
	return string(raw[:idx]), raw[idx+4:]
}

// Response is a handler reply. Static files are returned with FilePath
// and Length (the file size) set and Body left empty, for the caller to
// stream via StreamFile instead of buffering the whole file in Body.
type Response struct {
	Code     int
	Msg      string
	Mimetype string
	Body     []byte
	Headers  map[string]string
	TTL      time.Duration
	EOF      bool
	Upgrade  bool

	FilePath string
	Length   int64
}

// Handler is a registered dynamic handler.
type Handler func(req *Request, env *Env) (*Response, error)

// Env is the per-request environment a Handler runs in: a reply
// function plus a list of actions to run after the response is sent.
type Env struct {
	Reply           func([]byte) error
	PostponeActions []func()
}

// Postpone registers action to run after the response has been flushed.
func (e *Env) Postpone(action func()) { e.PostponeActions = append(e.PostponeActions, action) }

// Server routes requests to registered handlers or a webroot filesystem.
type Server struct {
	Webroot  string
	Handlers map[string]Handler

	CORSOrigin            string
	ContentSecurityPolicy string
	ReferrerPolicy        string
}

// New returns a Server rooted at webroot with no handlers registered.
func New(webroot string) *Server {
	return &Server{Webroot: webroot, Handlers: make(map[string]Handler)}
}

// Handle registers a dynamic handler for an exact path, taking
// precedence over the filesystem.
func (s *Server) Handle(path string, h Handler) { s.Handlers[path] = h }

// Serve routes req, returning the Response to send. Static files are
// returned with FilePath set (and the body left unread) so the caller
// streams them in bounded chunks via StreamFile instead of buffering
// the whole file.
func (s *Server) Serve(req *Request, env *Env) (*Response, error) {
	if h, ok := s.Handlers[req.Path]; ok {
		return s.withDefaultHeaders(h(req, env))
	}

	fsPath, err := s.resolveFile(req.Path)
	if err != nil {
		if nf, ok := err.(*errs.NotFound); ok {
			if h, ok := s.Handlers["/404"]; ok {
				return s.withDefaultHeaders(h(req, env))
			}
			return s.withDefaultHeaders(&Response{Code: 404, Msg: "Not Found", Body: []byte("404 not found: " + nf.Path)}, nil)
		}
		return nil, err
	}

	info, err := os.Stat(fsPath)
	if err != nil {
		return nil, &errs.Transport{Cause: err}
	}
	return s.withDefaultHeaders(&Response{
		Code:     200,
		Msg:      "OK",
		Mimetype: mimeFor(fsPath),
		FilePath: fsPath,
		Length:   info.Size(),
	}, nil)
}

func (s *Server) withDefaultHeaders(resp *Response, err error) (*Response, error) {
	if err != nil || resp == nil {
		return resp, err
	}
	if resp.Headers == nil {
		resp.Headers = make(map[string]string)
	}
	if s.CORSOrigin != "" {
		resp.Headers["Access-Control-Allow-Origin"] = s.CORSOrigin
	}
	if s.ContentSecurityPolicy != "" {
		resp.Headers["Content-Security-Policy"] = s.ContentSecurityPolicy
	}
	if s.ReferrerPolicy != "" {
		resp.Headers["Referrer-Policy"] = s.ReferrerPolicy
	}
	return resp, nil
}

// resolveFile maps a request path to a file under Webroot, falling
// through directory -> index.html.
func (s *Server) resolveFile(reqPath string) (string, error) {
	clean := filepath.Clean("/" + reqPath)
	full := filepath.Join(s.Webroot, clean)

	info, err := os.Stat(full)
	if err != nil {
		return "", &errs.NotFound{Path: reqPath}
	}
	if info.IsDir() {
		for _, candidate := range []string{"index.html"} {
			p := filepath.Join(full, candidate)
			if st, err := os.Stat(p); err == nil && !st.IsDir() {
				return p, nil
			}
		}
		return "", &errs.NotFound{Path: reqPath}
	}
	return full, nil
}

func mimeFor(path string) string {
	switch filepath.Ext(path) {
	case ".html", ".htm":
		return "text/html; charset=utf-8"
	case ".css":
		return "text/css; charset=utf-8"
	case ".js":
		return "application/javascript; charset=utf-8"
	case ".json":
		return "application/json; charset=utf-8"
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	default:
		return "application/octet-stream"
	}
}

// FormatResponse renders resp as an HTTP/1.x status line + headers +
// body, using HTTP/1.1 when the handler requested an Upgrade and
// HTTP/1.0 otherwise.
func FormatResponse(resp *Response, headOnly bool) []byte {
	proto := "HTTP/1.0"
	if resp.Upgrade {
		proto = "HTTP/1.1"
	}
	msg := resp.Msg
	if msg == "" {
		msg = statusText(resp.Code)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %d %s\r\n", proto, resp.Code, msg)
	if resp.Mimetype != "" {
		fmt.Fprintf(&sb, "Content-Type: %s\r\n", resp.Mimetype)
	}
	if !resp.Upgrade {
		length := int64(len(resp.Body))
		if resp.FilePath != "" {
			length = resp.Length
		}
		fmt.Fprintf(&sb, "Content-Length: %d\r\n", length)
	}
	for k, v := range resp.Headers {
		fmt.Fprintf(&sb, "%s: %s\r\n", k, v)
	}
	sb.WriteString("\r\n")
	if !headOnly {
		sb.Write(resp.Body)
	}
	return []byte(sb.String())
}

func statusText(code int) string {
	switch code {
	case 200:
		return "OK"
	case 400:
		return "Bad Request"
	case 403:
		return "Forbidden"
	case 404:
		return "Not Found"
	case 408:
		return "Timed out"
	default:
		return ""
	}
}
