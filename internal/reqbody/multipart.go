package reqbody

import (
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"github.com/pagekite/upk-go/internal/errs"
)

// tempFileCounter cycles through the 4 rotating upload slots
// upagekite/web_mpfd.py uses ("/tmp/upload_<0..3>.tmp").
var tempFileCounter atomic.Uint32

const tempFileSlots = 4

func nextTempFilename(dir string) string {
	n := tempFileCounter.Add(1) % tempFileSlots
	if dir == "" {
		dir = os.TempDir()
	}
	return fmt.Sprintf("%s/upload_%d.tmp", dir, n)
}

type multipartState struct {
	boundary string
	tempDir  string
}

func newMultipartState(boundary string) *multipartState {
	return &multipartState{boundary: boundary}
}

// parse splits body on the multipart boundary and extracts each part's
// Content-Disposition name/filename. Unlike a streaming line-oriented
// parser, this runs as a single pass over the fully reassembled body;
// the collector still streams frames in before calling Parse.
func (m *multipartState) parse(body []byte) (map[string]*FormValue, error) {
	delim := "--" + m.boundary
	text := string(body)
	parts := strings.Split(text, delim)

	form := make(map[string]*FormValue)
	for _, part := range parts {
		part = strings.TrimPrefix(part, "\r\n")
		if part == "" || part == "--" || part == "--\r\n" {
			continue
		}
		hdrEnd := strings.Index(part, "\r\n\r\n")
		if hdrEnd < 0 {
			continue
		}
		headerBlock := part[:hdrEnd]
		content := part[hdrEnd+4:]
		content = strings.TrimSuffix(content, "\r\n")

		name, filename, ok := parseContentDisposition(headerBlock)
		if !ok {
			continue
		}

		if filename != "" {
			path := nextTempFilename(m.tempDir)
			if err := os.WriteFile(path, []byte(content), 0600); err != nil {
				return nil, &errs.Transport{Cause: err}
			}
			form[name] = &FormValue{
				Filename:     filename,
				TempFilename: path,
				Bytes:        len(content),
			}
		} else {
			form[name] = &FormValue{Value: content}
		}
	}
	return form, nil
}

func parseContentDisposition(headerBlock string) (name, filename string, ok bool) {
	for _, line := range strings.Split(headerBlock, "\r\n") {
		lower := strings.ToLower(line)
		if !strings.HasPrefix(lower, "content-disposition:") {
			continue
		}
		for _, field := range strings.Split(line, ";") {
			field = strings.TrimSpace(field)
			if v, found := cutParam(field, "name="); found {
				name = v
				ok = true
			}
			if v, found := cutParam(field, "filename="); found {
				filename = v
			}
		}
	}
	return name, filename, ok
}

func cutParam(field, prefix string) (string, bool) {
	if !strings.HasPrefix(field, prefix) {
		return "", false
	}
	return strings.Trim(field[len(prefix):], `"`), true
}
