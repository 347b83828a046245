package imagesearch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"
)

const (
	cacheTTL        = 5 * time.Minute
	maxCacheEntries = 256
	maxPerPage      = 30
	maxBodyBytes    = 4 << 20
)

var (
	ErrNotConfigured = errors.New("image search is not configured")
	ErrUpstream      = errors.New("image search upstream error")
)

type Config struct {
	APIKey  string
	BaseURL string
}

type Query struct {
	Text    string
	Page    int
	PerPage int
}

func (q Query) key() string {
	return q.Text + "\x00" + strconv.Itoa(q.Page) + "\x00" + strconv.Itoa(q.PerPage)
}

type cached struct {
	body      json.RawMessage
	fetchedAt time.Time
}

// Service forwards searches to the upstream API and returns its JSON as-is.
type Service struct {
	config  Config
	client  *http.Client
	baseURL string

	mu    sync.RWMutex
	cache map[string]cached
}

func NewService(cfg Config) *Service {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.unsplash.com/search/photos"
	}
	return &Service{
		config:  cfg,
		client:  &http.Client{Timeout: 10 * time.Second},
		baseURL: baseURL,
		cache:   make(map[string]cached),
	}
}

func (s *Service) Configured() bool {
	return s.config.APIKey != ""
}

// Search returns the upstream response body for q. Identical queries within
// a few minutes are served from memory.
func (s *Service) Search(ctx context.Context, q Query) (json.RawMessage, error) {
	if !s.Configured() {
		return nil, ErrNotConfigured
	}
	if q.Page < 1 {
		q.Page = 1
	}
	if q.PerPage < 1 || q.PerPage > maxPerPage {
		q.PerPage = 20
	}

	key := q.key()
	s.mu.RLock()
	c, ok := s.cache[key]
	s.mu.RUnlock()
	if ok && time.Since(c.fetchedAt) < cacheTTL {
		return c.body, nil
	}

	body, err := s.fetch(ctx, q)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if len(s.cache) >= maxCacheEntries {
		s.evictLocked()
	}
	s.cache[key] = cached{body: body, fetchedAt: time.Now()}
	s.mu.Unlock()
	return body, nil
}

func (s *Service) fetch(ctx context.Context, q Query) (json.RawMessage, error) {
	params := url.Values{}
	params.Set("query", q.Text)
	params.Set("page", strconv.Itoa(q.Page))
	params.Set("per_page", strconv.Itoa(q.PerPage))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build image search request: %w", err)
	}
	req.Header.Set("Authorization", "Client-ID "+s.config.APIKey)
	req.Header.Set("Accept-Version", "v1")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrUpstream, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %w", ErrUpstream, err)
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("%w: response is not JSON", ErrUpstream)
	}
	return body, nil
}

// evictLocked drops expired entries, or everything if none have expired.
func (s *Service) evictLocked() {
	for k, c := range s.cache {
		if time.Since(c.fetchedAt) >= cacheTTL {
			delete(s.cache, k)
		}
	}
	if len(s.cache) >= maxCacheEntries {
		clear(s.cache)
	}
}
