package http

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/handiism/batch-downloader/internal/model"
)

// NetworkResponse is the small view of an HTTP response the download engine
// depends on.
//
// OpenByteStream may be called once. CloseByteStream releases the underlying
// connection and is safe to call more than once.
type NetworkResponse interface {
	// Code returns the HTTP status code.
	Code() int

	// IsSuccessful reports whether Code is in the 2xx range.
	IsSuccessful() bool

	// Header returns the named header or def when it is absent.
	Header(name, def string) string

	// OpenByteStream returns the response body. Read failures surface as
	// *model.NetworkError.
	OpenByteStream() (io.Reader, error)

	// CloseByteStream closes the body.
	CloseByteStream() error

	// BodyContentLength returns the body length or -1 when unknown.
	BodyContentLength() int64
}

type response struct {
	resp *http.Response
	url  string

	mu     sync.Mutex
	opened bool
	closed bool
}

// NewResponse wraps a standard library response.
func NewResponse(resp *http.Response, url string) NetworkResponse {
	return &response{resp: resp, url: url}
}

func (r *response) Code() int {
	return r.resp.StatusCode
}

func (r *response) IsSuccessful() bool {
	return r.resp.StatusCode >= 200 && r.resp.StatusCode < 300
}

func (r *response) Header(name, def string) string {
	if v := r.resp.Header.Get(name); v != "" {
		return v
	}
	return def
}

func (r *response) OpenByteStream() (io.Reader, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, &model.NetworkError{URL: r.url, Code: r.resp.StatusCode, Err: errors.New("byte stream already closed")}
	}
	if r.opened {
		return nil, &model.NetworkError{URL: r.url, Code: r.resp.StatusCode, Err: errors.New("byte stream already opened")}
	}
	r.opened = true
	return &networkReader{r: r.resp.Body, url: r.url}, nil
}

func (r *response) CloseByteStream() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	return r.resp.Body.Close()
}

func (r *response) BodyContentLength() int64 {
	return r.resp.ContentLength
}

// networkReader tags body read failures as network errors. io.EOF passes
// through untouched.
type networkReader struct {
	r   io.Reader
	url string
}

func (nr *networkReader) Read(p []byte) (int, error) {
	n, err := nr.r.Read(p)
	if err != nil && err != io.EOF {
		return n, &model.NetworkError{URL: nr.url, Err: err}
	}
	return n, err
}

// TotalSize derives the full resource size from a response to a request
// starting at offset. It prefers the Content-Range total and falls back to
// offset plus the body length. It returns -1 when the size is unknown.
//
// Example:
//
//	// Content-Range: bytes 100-999/1000
//	TotalSize(resp, 100) // Returns 1000
func TotalSize(resp NetworkResponse, offset int64) int64 {
	if cr := resp.Header("Content-Range", ""); cr != "" {
		if total, err := parseContentRangeTotal(cr); err == nil {
			return total
		}
	}
	if n := resp.BodyContentLength(); n >= 0 {
		if resp.Code() == http.StatusPartialContent {
			return offset + n
		}
		return n
	}
	return -1
}

// parseContentRangeTotal extracts the total from "bytes start-end/total".
func parseContentRangeTotal(v string) (int64, error) {
	i := strings.LastIndexByte(v, '/')
	if i < 0 || i == len(v)-1 {
		return 0, fmt.Errorf("malformed Content-Range %q", v)
	}
	total := v[i+1:]
	if total == "*" {
		return 0, fmt.Errorf("unknown total in Content-Range %q", v)
	}
	return strconv.ParseInt(total, 10, 64)
}
