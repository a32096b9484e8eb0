package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/rmacedo/llmbridge/internal/domain"
)

type ClientConfig struct {
	Timeout               time.Duration
	DialTimeout           time.Duration
	TLSHandshakeTimeout   time.Duration
	ResponseHeaderTimeout time.Duration
	IdleConnTimeout       time.Duration
	MaxIdleConns          int
	MaxIdleConnsPerHost   int
}

func DefaultConfig() ClientConfig {
	return ClientConfig{
		Timeout:               120 * time.Second,
		DialTimeout:           10 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
	}
}

// Client issues single HTTP calls on behalf of provider adapters and returns
// either a buffered JSON body or a normalized chunk stream. Non-2xx answers
// become *domain.UpstreamError; failures before a status was obtained become
// *domain.TransportError.
type Client struct {
	http *http.Client
}

func NewClient(cfg ClientConfig) *Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   cfg.DialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		ForceAttemptHTTP2:     true,
	}

	return &Client{
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
	}
}

func DefaultClient() *Client {
	return NewClient(DefaultConfig())
}

// NewClientWithHTTP wraps an existing http.Client, primarily for tests.
func NewClientWithHTTP(h *http.Client) *Client {
	return &Client{http: h}
}

// Request describes one outbound HTTP call. Body is marshaled as JSON when
// non-nil; unless it provides one, Content-Type defaults to application/json.
type Request struct {
	Method   string
	URL      string
	Headers  map[string]string
	Body     any
	Provider string
}

// DoJSON performs the call and decodes the 2xx body into out.
func (c *Client) DoJSON(ctx context.Context, req Request, out any) error {
	resp, err := c.do(ctx, req, false)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &domain.ProtocolError{Provider: req.Provider, Reason: "decode response", Err: err}
	}
	return nil
}

// DoStream performs the call and hands back the raw body for incremental
// reading. Whatever the backend's stream representation is, callers always
// get one io.ReadCloser; closing it releases the connection.
func (c *Client) DoStream(ctx context.Context, req Request) (io.ReadCloser, error) {
	resp, err := c.do(ctx, req, true)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (c *Client) do(ctx context.Context, req Request, stream bool) (*http.Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodPost
	}

	var body io.Reader = http.NoBody
	if req.Body != nil {
		payload, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, &domain.TransportError{Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &domain.UpstreamError{
			Provider:   req.Provider,
			StatusCode: resp.StatusCode,
			Body:       json.RawMessage(errBody),
		}
	}

	return resp, nil
}
