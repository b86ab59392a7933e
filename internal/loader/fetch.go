package loader

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Fetcher retrieves raw asset bytes for a URL.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, url string) ([]byte, error)

func (f FetcherFunc) Fetch(ctx context.Context, url string) ([]byte, error) {
	return f(ctx, url)
}

// maxAssetSize bounds a single avatar download.
const maxAssetSize = 256 << 20

// HTTPFetcher downloads http and https URLs.
type HTTPFetcher struct {
	Client *http.Client
}

func NewHTTPFetcher(timeout time.Duration) *HTTPFetcher {
	return &HTTPFetcher{Client: &http.Client{Timeout: timeout}}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAssetSize+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if len(data) > maxAssetSize {
		return nil, fmt.Errorf("asset exceeds %d bytes", maxAssetSize)
	}
	return data, nil
}

// FileFetcher reads file:// URLs and bare paths, relative to Root when set.
type FileFetcher struct {
	Root string
}

func (f FileFetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return os.ReadFile(f.Path(rawURL))
}

// Path maps a URL to the local file it refers to.
func (f FileFetcher) Path(rawURL string) string {
	p := strings.TrimPrefix(rawURL, "file://")
	if f.Root != "" && !filepath.IsAbs(p) {
		p = filepath.Join(f.Root, p)
	}
	return filepath.Clean(p)
}

func fetchDataURI(rawURL string) ([]byte, error) {
	comma := strings.IndexByte(rawURL, ',')
	if comma < 0 {
		return nil, errors.New("data uri without payload")
	}
	meta, payload := rawURL[len("data:"):comma], rawURL[comma+1:]
	if strings.HasSuffix(meta, ";base64") {
		return base64.StdEncoding.DecodeString(payload)
	}
	s, err := url.PathUnescape(payload)
	if err != nil {
		return nil, err
	}
	return []byte(s), nil
}

// SchemeFetcher dispatches on the URL scheme: http and https go to HTTP,
// data URIs are decoded inline, everything else is read from disk.
type SchemeFetcher struct {
	HTTP Fetcher
	File FileFetcher
}

func NewSchemeFetcher(root string, timeout time.Duration) *SchemeFetcher {
	return &SchemeFetcher{
		HTTP: NewHTTPFetcher(timeout),
		File: FileFetcher{Root: root},
	}
}

func (f *SchemeFetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	switch {
	case strings.HasPrefix(rawURL, "http://"), strings.HasPrefix(rawURL, "https://"):
		return f.HTTP.Fetch(ctx, rawURL)
	case strings.HasPrefix(rawURL, "data:"):
		return fetchDataURI(rawURL)
	default:
		return f.File.Fetch(ctx, rawURL)
	}
}

// IsLocal reports whether a URL is served from disk.
func IsLocal(rawURL string) bool {
	return !strings.HasPrefix(rawURL, "http://") &&
		!strings.HasPrefix(rawURL, "https://") &&
		!strings.HasPrefix(rawURL, "data:")
}
