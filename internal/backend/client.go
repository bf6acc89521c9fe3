package backend

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Client POSTs gateway messages (authenticate, userOnline, userOffline) to the configured
// backend endpoint. It is effectively stateless after construction and safe for concurrent
// use. It never retries; callers decide what a failed round-trip means.
type Client struct {
	messageURL string
	serviceKey string
	basicUser  string
	basicPass  string
	httpClient *http.Client
	log        zerolog.Logger
}

// Options configures a backend client.
type Options struct {
	// MessageURL is the full URL of the backend message endpoint.
	MessageURL string
	// ServiceKey is the shared secret attached to every outbound message and checked against
	// inbound control-plane requests.
	ServiceKey string
	// StrictSSL controls certificate verification when MessageURL uses HTTPS.
	StrictSSL bool
	// BasicUser and BasicPass attach an HTTP Basic Authorization header when BasicUser is
	// non-empty.
	BasicUser string
	BasicPass string
	// Timeout bounds a single round-trip. Zero means 30 seconds.
	Timeout time.Duration
}

// New creates a backend client.
func New(opts Options, logger zerolog.Logger) *Client {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	transport := http.DefaultTransport
	if strings.HasPrefix(opts.MessageURL, "https://") && !opts.StrictSSL {
		transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}

	return &Client{
		messageURL: opts.MessageURL,
		serviceKey: opts.ServiceKey,
		basicUser:  opts.BasicUser,
		basicPass:  opts.BasicPass,
		httpClient: &http.Client{Timeout: timeout, Transport: transport},
		log:        logger.With().Str("component", "backend").Logger(),
	}
}

// Send JSON-encodes the message and POSTs it form-encoded (fields `messageJson` and
// `serviceKey`) to the backend message endpoint. It returns the HTTP status code and raw
// response body on success. A non-2xx status is not an error here; the caller interprets it.
func (c *Client) Send(ctx context.Context, message any) (int, []byte, error) {
	encoded, err := json.Marshal(message)
	if err != nil {
		return 0, nil, fmt.Errorf("marshal backend message: %w", err)
	}

	form := url.Values{}
	form.Set("messageJson", string(encoded))
	form.Set("serviceKey", c.serviceKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.messageURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return 0, nil, fmt.Errorf("build backend request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if c.basicUser != "" {
		req.SetBasicAuth(c.basicUser, c.basicPass)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("backend request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read backend response: %w", err)
	}

	c.log.Debug().Int("status", resp.StatusCode).Msg("Backend message sent")
	return resp.StatusCode, body, nil
}

// CheckServiceKey compares the presented key against the configured one in constant time, so
// response timing does not leak the position of the first differing byte. When no service key
// is configured the check always passes.
func (c *Client) CheckServiceKey(presented string) bool {
	if c.serviceKey == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(c.serviceKey), []byte(presented)) == 1
}
