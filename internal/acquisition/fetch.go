package acquisition

import (
	"context"
	"fmt"
	"io"
	"net/http"
)

// HTTPFetcher builds the FetchFunc used for manifests, segments, and keys.
// No timeout is imposed here; pass a client carrying one if the deployment
// wants it — a hung fetch stalls only its own worker either way.
func HTTPFetcher(client *http.Client, userAgent string) FetchFunc {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context, url string) ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		if userAgent != "" {
			req.Header.Set("User-Agent", userAgent)
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
			return nil, fmt.Errorf("GET %s: unexpected status %d", url, resp.StatusCode)
		}
		return io.ReadAll(resp.Body)
	}
}
