// Package ubernet talks to the UberNet launcher service: credential login,
// stream discovery, and manifest retrieval.
//
// The sync engine treats this package as an external collaborator; it only
// needs a chosen stream and the raw manifest bytes.
package ubernet

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"runtime"

	digest "github.com/opencontainers/go-digest"
)

// DefaultBaseURL is the production launcher service.
const DefaultBaseURL = "https://uberent.com"

// titleID identifies the game title on UberNet.
const titleID = 4

// ErrUnauthorized is returned when the service rejects the credentials or
// session. It is never worth retrying with the same inputs.
var ErrUnauthorized = errors.New("ubernet: authorization failed")

// Session is an authenticated launcher session.
type Session struct {
	Ticket string
}

// Stream is a named release channel resolving to the current build.
// Field names follow the service's JSON.
type Stream struct {
	StreamName   string `json:"StreamName"`
	BuildID      string `json:"BuildId"`
	Description  string `json:"Description"`
	DownloadURL  string `json:"DownloadUrl"`
	TitleFolder  string `json:"TitleFolder"`
	ManifestName string `json:"ManifestName"`
	AuthSuffix   string `json:"AuthSuffix"`
}

// ManifestURL returns the authorized URL of the stream's manifest.
func (s Stream) ManifestURL() string {
	return fmt.Sprintf("%s/%s/%s%s", s.DownloadURL, s.TitleFolder, s.ManifestName, s.AuthSuffix)
}

// ContentURL returns the authorized URL of a content object addressed by
// the digest of its wire bytes.
func (s Stream) ContentURL(dgst digest.Digest) string {
	return fmt.Sprintf("%s/%s/hashed/%s%s", s.DownloadURL, s.TitleFolder, dgst.Encoded(), s.AuthSuffix)
}

// Client is an UberNet launcher API client.
type Client struct {
	baseURL  string
	platform string
	http     *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the launcher service URL.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = baseURL
	}
}

// WithHTTPClient sets the HTTP client used for requests.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.http = client
	}
}

// WithPlatform overrides the platform reported to stream discovery.
func WithPlatform(platform string) Option {
	return func(c *Client) {
		c.platform = platform
	}
}

// NewClient creates a launcher API client.
func NewClient(opts ...Option) *Client {
	c := &Client{
		baseURL:  DefaultBaseURL,
		platform: defaultPlatform(),
		http:     http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = http.DefaultClient
	}
	return c
}

func defaultPlatform() string {
	switch runtime.GOOS {
	case "darwin":
		return "OSX"
	case "windows":
		return "Windows"
	default:
		return "Linux"
	}
}

// Login authenticates with UberNet credentials and returns a session.
func (c *Client) Login(ctx context.Context, uberName, password string) (*Session, error) {
	payload, err := json.Marshal(map[string]any{
		"TitleId":    titleID,
		"AuthMethod": "UberCredentials",
		"UberName":   uberName,
		"Password":   password,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/GC/Authenticate", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json;charset=utf-8")

	var result struct {
		SessionTicket string `json:"SessionTicket"`
	}
	if err := c.do(req, &result); err != nil {
		return nil, err
	}
	if result.SessionTicket == "" {
		return nil, fmt.Errorf("%w: response contains no session ticket", ErrUnauthorized)
	}
	return &Session{Ticket: result.SessionTicket}, nil
}

// ListStreams returns the release channels available to the session.
func (c *Client) ListStreams(ctx context.Context, session *Session) ([]Stream, error) {
	u := fmt.Sprintf("%s/Launcher/ListStreams?Platform=%s", c.baseURL, url.QueryEscape(c.platform))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Authorization", session.Ticket)

	var result struct {
		Streams []Stream `json:"Streams"`
	}
	if err := c.do(req, &result); err != nil {
		return nil, err
	}
	return result.Streams, nil
}

// FetchManifest retrieves the stream's raw manifest bytes. The payload is
// returned opaque; the service gzips it, which the manifest parser handles.
func (c *Client) FetchManifest(ctx context.Context, stream Stream) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, stream.ManifestURL(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := statusError(resp.StatusCode); err != nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("manifest %s: %w", stream.ManifestName, err)
	}
	return io.ReadAll(resp.Body)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := statusError(resp.StatusCode); err != nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("ubernet: decoding response: %w", err)
	}
	return nil
}

func statusError(code int) error {
	switch {
	case code == http.StatusOK:
		return nil
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Errorf("%w: status %d", ErrUnauthorized, code)
	default:
		return fmt.Errorf("ubernet: unexpected status %d", code)
	}
}
