// Package ddns implements the dynamic DNS update client: an HTTP GET
// carrying a signed query string, advertising a kite's current
// relay-facing IP.
//
// Grounded on github.com/reverseproxy's internal/agent/proxy.go for the
// pattern of a small net/http-based client with its own timeout, adapted
// from proxy health-checking to DDNS update semantics.
package ddns

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pagekite/upk-go/internal/signing"
)

// DefaultURL is upagekite's default DDNS endpoint.
const DefaultURL = "http://up.pagekite.net/"

// Client issues DDNS update requests.
type Client struct {
	URL        string
	HTTPClient *http.Client
}

// New returns a Client; httpClient may be nil to use a client with a 10s
// timeout.
func New(httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{URL: DefaultURL, HTTPClient: httpClient}
}

// Update advertises ip for kiteName, signed with kiteSecret. Success is a
// response body prefixed with "good" or "nochg".
func (c *Client) Update(ctx context.Context, kiteName, kiteSecret, ip string) error {
	base := c.URL
	if base == "" {
		base = DefaultURL
	}
	sig := signing.DDNSSignature(kiteSecret, kiteName, ip)
	url := fmt.Sprintf("%s?hostname=%s&myip=%s&sign=%s", base, kiteName, ip, sig)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 256))
	if err != nil {
		return err
	}
	text := string(body)
	if strings.HasPrefix(text, "good") || strings.HasPrefix(text, "nochg") {
		return nil
	}
	return fmt.Errorf("ddns update rejected: %s", strings.TrimSpace(text))
}
