// Package reqbody implements POST body reassembly with
// content-type-specific parsers, plus the process-wide CSRF token ring
// and a small composable access-control precondition checker adapted
// from upagekite/web.py's access_requires decorator.
//
// Grounded on github.com/reverseproxy's internal/relay (that package
// reassembles a response body across BodyChunk frames into a buffer
// before handing it to the backend) generalized to PageKite's three
// content-type parsers, each run once over the complete body.
package reqbody

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/pagekite/upk-go/internal/errs"
)

// MaxPostBytes is the default cap on POST body size.
const MaxPostBytes = 64 * 1024

// FormValue is one parsed form/multipart field: either a plain value or
// a file upload recorded to a temp file.
type FormValue struct {
	Value        string
	TempFilename string
	Filename     string
	Bytes        int
}

// ParsedBody is the result of reassembling and parsing a POST body.
type ParsedBody struct {
	ContentType string
	JSON        any
	Form        map[string]*FormValue
	Raw         []byte
}

// Collector accumulates a POST body across frames and parses it once
// complete.
type Collector struct {
	ContentLength int
	ContentType   string

	buf          []byte
	needed       int
	multipart    *multipartState
	requireCSRF  bool
}

// NewCollector validates Content-Length and selects a parser by
// Content-Type.
func NewCollector(contentLength int, contentType string) (*Collector, error) {
	if contentLength > MaxPostBytes {
		return nil, &errs.Parse{Msg: fmt.Sprintf("body too large: %d > %d", contentLength, MaxPostBytes)}
	}
	c := &Collector{
		ContentLength: contentLength,
		ContentType:   contentType,
		needed:        contentLength,
		requireCSRF:   !strings.HasPrefix(contentType, "application/json"),
	}
	if boundary, ok := multipartBoundary(contentType); ok {
		c.multipart = newMultipartState(boundary)
	}
	return c, nil
}

// RequiresCSRF reports whether this body's content type is subject to
// CSRF enforcement (JSON bodies are exempt).
func (c *Collector) RequiresCSRF() bool { return c.requireCSRF }

// Append feeds the next chunk of frame payload into the collector,
// reporting whether the full body has now been received.
func (c *Collector) Append(data []byte) (done bool, err error) {
	c.buf = append(c.buf, data...)
	c.needed -= len(data)
	if len(c.buf) > MaxPostBytes {
		return false, &errs.Parse{Msg: "body exceeded max size mid-stream"}
	}
	return c.needed <= 0, nil
}

// Parse runs the content-type-specific parser over the fully
// reassembled body.
func (c *Collector) Parse() (*ParsedBody, error) {
	switch {
	case strings.HasPrefix(c.ContentType, "application/json"):
		var v any
		if len(c.buf) > 0 {
			if err := json.Unmarshal(c.buf, &v); err != nil {
				return nil, &errs.Parse{Msg: "invalid json: " + err.Error()}
			}
		}
		return &ParsedBody{ContentType: c.ContentType, JSON: v, Raw: c.buf}, nil

	case strings.HasPrefix(c.ContentType, "application/x-www-form-urlencoded"):
		values, err := url.ParseQuery(string(c.buf))
		if err != nil {
			return nil, &errs.Parse{Msg: "invalid form body: " + err.Error()}
		}
		form := make(map[string]*FormValue, len(values))
		for k, v := range values {
			if len(v) > 0 {
				form[k] = &FormValue{Value: v[0]}
			}
		}
		return &ParsedBody{ContentType: c.ContentType, Form: form, Raw: c.buf}, nil

	case c.multipart != nil:
		form, err := c.multipart.parse(c.buf)
		if err != nil {
			return nil, err
		}
		return &ParsedBody{ContentType: c.ContentType, Form: form, Raw: c.buf}, nil

	default:
		return &ParsedBody{ContentType: c.ContentType, Raw: c.buf}, nil
	}
}

func multipartBoundary(contentType string) (string, bool) {
	if !strings.HasPrefix(contentType, "multipart/form-data") {
		return "", false
	}
	idx := strings.Index(contentType, "boundary=")
	if idx < 0 {
		return "", false
	}
	return strings.Trim(contentType[idx+len("boundary="):], `"`), true
}

// ContentLengthFromHeader parses a Content-Length header value.
func ContentLengthFromHeader(v string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n < 0 {
		return 0, &errs.Parse{Msg: "invalid content-length"}
	}
	return n, nil
}

// CSRFRing is the bounded ring buffer of issued CSRF tokens.
type CSRFRing struct {
	mu     sync.Mutex
	tokens []string
	size   int
}

// NewCSRFRing returns a ring with a default capacity of 30 tokens.
func NewCSRFRing() *CSRFRing { return &CSRFRing{size: 30} }

// Issue generates and records a new token (base64 of 8 random bytes).
func (r *CSRFRing) Issue() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	tok := base64.StdEncoding.EncodeToString(b)

	r.mu.Lock()
	r.tokens = append(r.tokens, tok)
	if len(r.tokens) > r.size {
		r.tokens = r.tokens[len(r.tokens)-r.size:]
	}
	r.mu.Unlock()
	return tok, nil
}

// Valid reports whether tok was issued and is still in the ring.
func (r *CSRFRing) Valid(tok string) bool {
	if tok == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.tokens {
		if t == tok {
			return true
		}
	}
	return false
}

// RequireCSRF checks form["upk_csrf"] against ring, exempting
// GET/HEAD/OPTIONS.
func RequireCSRF(ring *CSRFRing, method string, form map[string]*FormValue) error {
	if method == "GET" || method == "HEAD" || method == "OPTIONS" {
		return nil
	}
	var tok string
	if form != nil {
		if fv, ok := form["upk_csrf"]; ok {
			tok = fv.Value
		}
	}
	if !ring.Valid(tok) {
		return &errs.Permission{Code: 403, Msg: "missing or invalid CSRF token"}
	}
	return nil
}
