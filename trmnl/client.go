// Package trmnl delivers rendered screens to a TRMNL BYOS server.
package trmnl

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	// ScreensPath accepts new screen content.
	ScreensPath = "/api/screens"
	// DisplayPath returns what a device will show next.
	DisplayPath = "/api/display"

	// DefaultFileName is the image name the server stores the screen under.
	DefaultFileName = "evcc-status.png"

	defaultTimeout = 30 * time.Second
	userAgent      = "evcc-trmnl/1.0"
	maxBodyBytes   = 1 << 20
)

// DeliveryError reports a screen that was not accepted.
type DeliveryError struct {
	URL        string
	StatusCode int
	Body       string
	Err        error
}

func (e *DeliveryError) Error() string {
	switch {
	case e.Err != nil && e.StatusCode != 0:
		return fmt.Sprintf("deliver to %s: status %d: %v", e.URL, e.StatusCode, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("deliver to %s: %v", e.URL, e.Err)
	default:
		return fmt.Sprintf("deliver to %s: status %d: %s", e.URL, e.StatusCode, e.Body)
	}
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// Result describes the outcome of one delivery attempt.
type Result struct {
	Delivered  bool
	StatusCode int
	Body       string
	// Ack is the decoded acknowledgement, nil when the body was not JSON.
	Ack map[string]any
	Err error
}

// screenRequest is the /api/screens body.
type screenRequest struct {
	Image screenImage `json:"image"`
}

type screenImage struct {
	Content  string `json:"content"`
	FileName string `json:"file_name"`
}

// Client posts screens to one TRMNL server.
type Client struct {
	baseURL    string
	apiKey     string
	deviceID   string
	fileName   string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout bounds each request.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// InsecureHTTPClient returns a client that skips TLS certificate
// verification. BYOS servers commonly run with self-signed certificates.
func InsecureHTTPClient(timeout time.Duration) *http.Client {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	return &http.Client{Transport: tr, Timeout: timeout}
}

// WithFileName sets the image name sent with each screen.
func WithFileName(name string) Option {
	return func(c *Client) {
		if name != "" {
			c.fileName = name
		}
	}
}

// WithDeviceID sets the device MAC used by Display.
func WithDeviceID(id string) Option {
	return func(c *Client) {
		c.deviceID = id
	}
}

// NewClient creates a client for the BYOS server at baseURL.
func NewClient(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		fileName:   DefaultFileName,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Deliver posts html as a new screen. Only HTTP 200 counts as delivered;
// every other outcome is returned in the Result, never as a panic or retry.
func (c *Client) Deliver(ctx context.Context, html string) Result {
	url := c.baseURL + ScreensPath

	payload, err := json.Marshal(screenRequest{
		Image: screenImage{Content: html, FileName: c.fileName},
	})
	if err != nil {
		return failed(&DeliveryError{URL: url, Err: fmt.Errorf("encoding payload: %w", err)})
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return failed(&DeliveryError{URL: url, Err: fmt.Errorf("creating request: %w", err)})
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Access-Token", c.apiKey)
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return failed(&DeliveryError{URL: url, Err: err})
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	body := string(raw)
	if err != nil {
		derr := &DeliveryError{URL: url, StatusCode: resp.StatusCode, Body: body, Err: fmt.Errorf("reading body: %w", err)}
		return Result{StatusCode: resp.StatusCode, Body: body, Err: derr}
	}

	if resp.StatusCode != http.StatusOK {
		derr := &DeliveryError{URL: url, StatusCode: resp.StatusCode, Body: body}
		return Result{StatusCode: resp.StatusCode, Body: body, Err: derr}
	}

	res := Result{Delivered: true, StatusCode: resp.StatusCode, Body: body}
	var ack map[string]any
	if err := json.Unmarshal(raw, &ack); err == nil {
		res.Ack = ack
	}
	return res
}

// Display fetches the device's next screen description from /api/display.
func (c *Client) Display(ctx context.Context) (json.RawMessage, error) {
	url := c.baseURL + DisplayPath

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Access-Token", c.apiKey)
	req.Header.Set("User-Agent", userAgent)
	if c.deviceID != "" {
		req.Header.Set("ID", c.deviceID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("requesting %s: status %d: %s", url, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("requesting %s: malformed JSON response", url)
	}

	return raw, nil
}

func failed(err *DeliveryError) Result {
	return Result{Err: err}
}
