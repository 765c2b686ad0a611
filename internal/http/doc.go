// Package http provides the range-capable HTTP client used by the download
// engine and the NetworkResponse abstraction it consumes.
//
// The Client in this package handles:
//   - User-Agent headers
//   - Retries with backoff while establishing a request (go-retryablehttp)
//   - HTTP/2 where the server offers it
//   - Range requests for resuming partially downloaded files
//   - File size retrieval via HEAD requests
//
// # Basic Usage
//
//	client := http.NewClient(settings.ToClientConfig(), logger)
//
//	resp, err := client.Request(ctx, fileURL, offset)
//	if err != nil {
//	    return err
//	}
//	defer resp.CloseByteStream()
//
//	if offset > 0 && resp.Code() != 206 {
//	    // server ignored the range, restart from zero
//	}
//	body, err := resp.OpenByteStream()
//
// # Sizes
//
// TotalSize derives the complete resource size from either the Content-Range
// total of a 206 response or the Content-Length of a 200 response.
package http
