package http

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
	"golang.org/x/net/http2"

	"github.com/handiism/batch-downloader/internal/logging"
	"github.com/handiism/batch-downloader/internal/model"
)

// Requester issues range-capable requests for the download engine.
type Requester interface {
	// Request issues a GET for url. When offset is positive a
	// "Range: bytes=offset-" header is sent and a 206 response is expected.
	Request(ctx context.Context, url string, offset int64) (NetworkResponse, error)

	// GetFileSize returns the resource size via a HEAD request.
	GetFileSize(ctx context.Context, url string) (int64, error)
}

// ClientConfig holds the request establishment settings.
type ClientConfig struct {
	// Timeout bounds connection setup and waiting for response headers.
	// Body streaming is not bounded so large files can finish.
	Timeout time.Duration

	// MaxRetries is the number of retries for connection failures and 5xx
	// responses while establishing a request.
	MaxRetries int

	RetryWaitMin time.Duration
	RetryWaitMax time.Duration

	// UserAgent is sent with every request.
	UserAgent string

	// ProxyMode is one of "none", "system" or "manual".
	ProxyMode string

	// ProxyURL is used when ProxyMode is "manual".
	ProxyURL string
}

// Client wraps HTTP operations for batch downloads.
//
// Client provides:
//   - Configured User-Agent header
//   - Retries with backoff while establishing a request
//   - Range requests for resuming partial files
//   - File size retrieval via HEAD requests
//
// Example usage:
//
//	client := NewClient(settings.ToClientConfig(), logger)
//
//	resp, err := client.Request(ctx, fileURL, persistedOffset)
//	if err != nil {
//	    return err // *model.NetworkError
//	}
//	defer resp.CloseByteStream()
type Client struct {
	httpClient *http.Client
	userAgent  string
	logger     zerolog.Logger
}

// NewClient creates a new HTTP client.
func NewClient(cfg ClientConfig, logger zerolog.Logger) *Client {
	logger = logging.Component(logger, "http")

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   15 * time.Second,
		ResponseHeaderTimeout: cfg.Timeout,
		ExpectContinueTimeout: time.Second,
	}

	switch strings.ToLower(cfg.ProxyMode) {
	case "system":
		transport.Proxy = http.ProxyFromEnvironment
	case "manual":
		if u, err := url.Parse(cfg.ProxyURL); err == nil && cfg.ProxyURL != "" {
			transport.Proxy = http.ProxyURL(u)
		} else {
			logger.Warn().Str("proxy", cfg.ProxyURL).Msg("invalid proxy URL, connecting directly")
		}
	default:
		transport.Proxy = nil
	}

	if err := http2.ConfigureTransport(transport); err != nil {
		logger.Debug().Err(err).Msg("HTTP/2 not enabled")
	}

	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient = &http.Client{Transport: transport}
	retryClient.RetryMax = cfg.MaxRetries
	if cfg.RetryWaitMin > 0 {
		retryClient.RetryWaitMin = cfg.RetryWaitMin
	}
	if cfg.RetryWaitMax > 0 {
		retryClient.RetryWaitMax = cfg.RetryWaitMax
	}
	retryClient.Logger = &retryLogger{logger: logger}

	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = "BatchDownloader"
	}

	return &Client{
		httpClient: retryClient.StandardClient(),
		userAgent:  userAgent,
		logger:     logger,
	}
}

// Request performs a GET starting at offset.
//
// Transport failures, including exhausted retries, are returned as
// *model.NetworkError. Non-2xx responses are returned as-is so the caller can
// inspect the code.
func (c *Client) Request(ctx context.Context, rawURL string, offset int64) (NetworkResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &model.NetworkError{URL: rawURL, Err: err}
	}
	req.Header.Set("User-Agent", c.userAgent)
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &model.NetworkError{URL: rawURL, Err: err}
	}

	c.logger.Debug().
		Str("url", rawURL).
		Int64("offset", offset).
		Int("status", resp.StatusCode).
		Int64("content_length", resp.ContentLength).
		Msg("request established")

	return NewResponse(resp, rawURL), nil
}

// GetFileSize returns the size of a file at the given URL via HEAD request.
//
// Returns an error if:
//   - The request fails
//   - The response is not successful
//   - The server doesn't return a Content-Length header
func (c *Client) GetFileSize(ctx context.Context, rawURL string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return 0, &model.NetworkError{URL: rawURL, Err: err}
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, &model.NetworkError{URL: rawURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, &model.NetworkError{URL: rawURL, Code: resp.StatusCode, Err: fmt.Errorf("HEAD %s", resp.Status)}
	}
	if resp.ContentLength < 0 {
		return 0, fmt.Errorf("no Content-Length header for %s", rawURL)
	}

	return resp.ContentLength, nil
}

// retryLogger implements retryablehttp.LeveledLogger on top of zerolog.
// Per-attempt debug chatter is dropped.
type retryLogger struct {
	logger zerolog.Logger
}

func (l *retryLogger) Error(msg string, keysAndValues ...interface{}) {
	l.logger.Error().Fields(keysAndValues).Msg(msg)
}

func (l *retryLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l *retryLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.logger.Trace().Fields(keysAndValues).Msg(msg)
}

func (l *retryLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.logger.Warn().Fields(keysAndValues).Msg(msg)
}
