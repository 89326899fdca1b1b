// Package influx writes line protocol to an InfluxDB 1.x compatible /write endpoint.
package influx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/basekick-labs/logfeed/internal/destination"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
)

// maxErrorBody bounds how much of an error response is kept
const maxErrorBody = 4096

// Config holds settings shared by all destination clients
type Config struct {
	Timeout   time.Duration // Used when the descriptor has no timeout of its own
	Gzip      bool          // Compress request bodies
	UserAgent string
}

// DefaultConfig returns default client configuration
func DefaultConfig() *Config {
	return &Config{
		Timeout:   10 * time.Second,
		Gzip:      false,
		UserAgent: "logfeed",
	}
}

// WriteError is returned when the destination answers with a non-2xx status
type WriteError struct {
	Destination string
	StatusCode  int
	Message     string
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("destination %s returned HTTP %d: %s", e.Destination, e.StatusCode, e.Message)
}

// Client writes to a single destination
type Client struct {
	desc      destination.Descriptor
	cfg       *Config
	http      *http.Client
	transport *http.Transport
	writeURL  string
	pingURL   string
	logger    zerolog.Logger
}

// NewClient creates a client for one destination descriptor
func NewClient(desc destination.Descriptor, cfg *Config, logger zerolog.Logger) *Client {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	timeout := desc.Timeout
	if timeout <= 0 {
		timeout = cfg.Timeout
	}

	query := url.Values{}
	query.Set("db", desc.Database)
	query.Set("precision", "ns")
	query.Set("u", desc.User)
	query.Set("p", desc.Password)

	transport := http.DefaultTransport.(*http.Transport).Clone()

	return &Client{
		desc:      desc,
		cfg:       cfg,
		http:      &http.Client{Timeout: timeout, Transport: transport},
		transport: transport,
		writeURL:  desc.BaseURL() + "/write?" + query.Encode(),
		pingURL:   desc.BaseURL() + "/ping",
		logger:    logger.With().Str("component", "influx-client").Str("destination", desc.Name).Logger(),
	}
}

// Name returns the display name of the destination
func (c *Client) Name() string {
	return c.desc.Name
}

// Write sends a pre-encoded line protocol body
func (c *Client) Write(ctx context.Context, body []byte) error {
	payload := body
	if c.cfg.Gzip {
		var err error
		payload, err = compress(body)
		if err != nil {
			return fmt.Errorf("failed to compress payload: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.writeURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	req.SetBasicAuth(c.desc.User, c.desc.Password)
	if c.cfg.Gzip {
		req.Header.Set("Content-Encoding", "gzip")
	}
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("write to %s failed: %w", c.desc.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return &WriteError{
			Destination: c.desc.Name,
			StatusCode:  resp.StatusCode,
			Message:     readErrorMessage(resp.Body),
		}
	}
	io.Copy(io.Discard, resp.Body)

	c.logger.Debug().
		Int("bytes", len(body)).
		Int("sent_bytes", len(payload)).
		Dur("duration", time.Since(start)).
		Msg("Data written")

	return nil
}

// Ping checks that the destination answers on /ping
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.pingURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("ping %s failed: %w", c.desc.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return &WriteError{
			Destination: c.desc.Name,
			StatusCode:  resp.StatusCode,
			Message:     readErrorMessage(resp.Body),
		}
	}
	return nil
}

// Close releases idle connections held by the client
func (c *Client) Close() error {
	c.transport.CloseIdleConnections()
	return nil
}

func compress(body []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(body); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// readErrorMessage extracts {"error": "..."} bodies, falling back to raw text
func readErrorMessage(r io.Reader) string {
	raw, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))

	var parsed struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &parsed); err == nil && parsed.Error != "" {
		return parsed.Error
	}
	return strings.TrimSpace(string(raw))
}
