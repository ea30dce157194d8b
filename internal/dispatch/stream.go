package dispatch

import (
	"os"
	"strconv"

	"github.com/pagekite/upk-go/internal/errs"
	"github.com/pagekite/upk-go/internal/httpserver"
	"github.com/pagekite/upk-go/internal/wire"
)

// streamFile sends resp's headers immediately, then streams its backing
// file in bounded chunks on a background goroutine so a slow visitor
// cannot stall the tunnel's read loop. A continuation handler tracks
// the peer's SKB progress headers for StreamFile's backpressure and
// unblocks early on an inbound EOF.
func (b *Bridge) streamFile(rs relayStream, sid string, req *httpserver.Request, resp *httpserver.Response) error {
	f, err := os.Open(resp.FilePath)
	if err != nil {
		return b.reject(rs, sid, 500, err)
	}

	header := httpserver.FormatResponse(resp, req.Method == "HEAD")
	if err := rs.SendData(sid, header); err != nil {
		f.Close()
		return err
	}
	if req.Method == "HEAD" {
		f.Close()
		return rs.SendEOF(sid)
	}

	window := httpserver.NewSKBWindow()
	eof := make(chan struct{})
	closeOnce := false

	rs.Register(sid, func(fr *wire.Frame) error {
		if v := fr.Headers["SKB"]; v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				window.Update(n)
			}
		}
		if fr.EOFRead() {
			if !closeOnce {
				closeOnce = true
				close(eof)
			}
			return &errs.EofStream{SID: sid}
		}
		return nil
	})

	go func() {
		defer f.Close()
		_, err := httpserver.StreamFile(f, httpserver.DefaultStreamChunk, window, func(chunk []byte) error {
			return rs.SendData(sid, chunk)
		}, eof)
		if err != nil {
			b.Logger.Debug("file stream ended with error", "path", resp.FilePath, "err", err)
		}
		rs.SendEOF(sid)
	}()
	return nil
}
