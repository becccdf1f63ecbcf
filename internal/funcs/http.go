package funcs

import (
	"context"
	"fmt"
	"io"
	"net/http"
)

// openURL issues a GET for length bytes of url starting at offset; a
// negative length reads to the end. Servers that ignore the Range header
// answer 200 with the full body, which is then skipped and cut locally.
func openURL(ctx context.Context, client *http.Client, url string, offset, length int64) (io.ReadCloser, error) {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	ranged := offset > 0 || length >= 0
	if ranged {
		if length >= 0 {
			req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+length-1))
		} else {
			req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
		}
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", url, err)
	}

	var body io.Reader = resp.Body
	switch {
	case resp.StatusCode == http.StatusPartialContent:
	case resp.StatusCode == http.StatusOK:
		if offset > 0 {
			if _, err := io.CopyN(io.Discard, resp.Body, offset); err != nil {
				resp.Body.Close()
				return nil, fmt.Errorf("get %s: skip to offset %d: %w", url, offset, err)
			}
		}
	default:
		resp.Body.Close()
		return nil, fmt.Errorf("get %s: unexpected status %s", url, resp.Status)
	}
	if length >= 0 {
		body = io.LimitReader(body, length)
	}
	return readCloser{Reader: body, Closer: resp.Body}, nil
}

type readCloser struct {
	io.Reader
	io.Closer
}
