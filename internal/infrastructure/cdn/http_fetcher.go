package cdn

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"hybridcast/internal/core/ports"
)

// HTTPFetcher retrieves manifests and segment bodies from the CDN over
// plain HTTP(S).
type HTTPFetcher struct {
	client *http.Client
}

func NewHTTPFetcher(timeout time.Duration) *HTTPFetcher {
	return &HTTPFetcher{
		client: &http.Client{Timeout: timeout},
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d fetching %s", resp.StatusCode, url)
	}
	return io.ReadAll(resp.Body)
}

func (f *HTTPFetcher) FetchManifest(ctx context.Context, url string) (string, error) {
	body, err := f.Fetch(ctx, url)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

var _ ports.SegmentFetcher = (*HTTPFetcher)(nil)
