package tryon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/tryonplugin/tryon/internal/apierr"
	"github.com/tryonplugin/tryon/internal/security"
	"github.com/tryonplugin/tryon/internal/syncutil"
)

const (
	fetchTimeout        = 30 * time.Second
	fetchUserAgent      = "TryOnWidget/1.0"
	maxProductImageSize = 10 * 1024 * 1024
	fetchCacheTTL       = 5 * time.Minute
)

type cachedImage struct {
	data      []byte
	mimeType  string
	fetchedAt time.Time
}

// Fetcher downloads product reference images by URL. Responses are
// cached briefly: shoppers on the same product page hit the same URL
// over and over.
type Fetcher struct {
	client *http.Client

	mu    sync.Mutex
	cache map[string]*cachedImage
	locks *syncutil.ContextShardedMutex

	// now and validate are swappable in tests.
	now      func() time.Time
	validate func(rawURL string) error
}

// NewFetcher creates a fetcher with its own HTTP client.
func NewFetcher() *Fetcher {
	return &Fetcher{
		client:   &http.Client{Timeout: fetchTimeout},
		cache:    make(map[string]*cachedImage),
		locks:    syncutil.NewContextShardedMutex(),
		now:      time.Now,
		validate: security.ValidateEndpointURL,
	}
}

// Fetch downloads the image at rawURL, returning its bytes and content
// type. Only HTTPS URLs are accepted. Errors are API errors ready to
// surface to the client.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) ([]byte, string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return nil, "", apierr.BadRequest(apierr.CodeInvalidURL, "Invalid product image URL")
	}
	if u.Scheme != "https" {
		return nil, "", apierr.BadRequest(apierr.CodeInvalidURL, "Product image URL must use HTTPS")
	}
	// The fetch runs server-side on a client-supplied URL, so block
	// anything that reaches internal addresses.
	if err := f.validate(rawURL); err != nil {
		return nil, "", apierr.BadRequest(apierr.CodeInvalidURL, "Product image URL is not allowed")
	}

	// A product page drives dozens of shoppers to the same URL at once.
	// Serialize per URL so one request downloads and the rest read the
	// cache instead of hammering the merchant's CDN.
	unlock, err := f.locks.LockContext(ctx, rawURL)
	if err != nil {
		return nil, "", apierr.GatewayTimeout(apierr.CodeFetchError, "Timeout fetching product image")
	}
	defer unlock()

	if data, mime, ok := f.cached(rawURL); ok {
		return data, mime, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", apierr.BadRequest(apierr.CodeInvalidURL, "Invalid product image URL")
	}
	req.Header.Set("User-Agent", fetchUserAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, "", apierr.GatewayTimeout(apierr.CodeFetchError, "Timeout fetching product image")
		}
		var urlErr *url.Error
		if errors.As(err, &urlErr) && urlErr.Timeout() {
			return nil, "", apierr.GatewayTimeout(apierr.CodeFetchError, "Timeout fetching product image")
		}
		return nil, "", apierr.BadRequest(apierr.CodeFetchError, "Failed to fetch product image")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, "", apierr.BadRequest(apierr.CodeFetchError,
			fmt.Sprintf("Failed to fetch product image: %d", resp.StatusCode))
	}

	mimeType := resp.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = "image/jpeg"
	}
	if !strings.HasPrefix(mimeType, "image/") {
		return nil, "", apierr.BadRequest(apierr.CodeFetchError, "URL does not point to an image")
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxProductImageSize+1))
	if err != nil {
		return nil, "", apierr.BadRequest(apierr.CodeFetchError, "Failed to fetch product image")
	}
	if len(data) > maxProductImageSize {
		return nil, "", apierr.BadRequest(apierr.CodeFetchError, "Product image is too large (max 10MB)")
	}

	f.store(rawURL, data, mimeType)
	return data, mimeType, nil
}

func (f *Fetcher) cached(rawURL string) ([]byte, string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.cache[rawURL]
	if !ok || f.now().Sub(entry.fetchedAt) > fetchCacheTTL {
		return nil, "", false
	}
	return entry.data, entry.mimeType, true
}

// store caches a response and sweeps expired entries while it holds the
// lock.
func (f *Fetcher) store(rawURL string, data []byte, mimeType string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := f.now()
	f.cache[rawURL] = &cachedImage{data: data, mimeType: mimeType, fetchedAt: now}
	for key, entry := range f.cache {
		if now.Sub(entry.fetchedAt) > fetchCacheTTL {
			delete(f.cache, key)
		}
	}
}
