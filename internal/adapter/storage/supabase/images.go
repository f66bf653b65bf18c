package supabase

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"golang.org/x/sync/semaphore"

	"github.com/fairyhunter13/blogger-intel/internal/domain"
)

const (
	downloadTimeout = 15 * time.Second
	maxImageBytes   = 10 << 20
	maxConcurrent   = 4
)

// ImageStore mirrors scraped imagery into the bucket under stable paths so
// blog rows never point at expiring CDN URLs.
type ImageStore struct {
	store *Store
	hc    *http.Client
	sem   *semaphore.Weighted
}

// NewImageStore constructs an ImageStore over the given Store.
func NewImageStore(store *Store) *ImageStore {
	return &ImageStore{
		store: store,
		hc:    &http.Client{Timeout: downloadTimeout},
		sem:   semaphore.NewWeighted(maxConcurrent),
	}
}

// download fetches an image, capped at maxImageBytes, and sniffs its type.
// Non-image payloads are rejected.
func (s *ImageStore) download(ctx context.Context, srcURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srcURL, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := s.hc.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes+1))
	if err != nil {
		return nil, "", err
	}
	if len(data) > maxImageBytes {
		return nil, "", fmt.Errorf("image exceeds %d bytes", maxImageBytes)
	}
	mt := mimetype.Detect(data)
	if !strings.HasPrefix(mt.String(), "image/") {
		return nil, "", fmt.Errorf("not an image: %s", mt.String())
	}
	return data, mt.String(), nil
}

// mirror downloads one image and re-uploads it at path, returning the public
// URL.
func (s *ImageStore) mirror(ctx context.Context, srcURL, path string) (string, error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer s.sem.Release(1)
	data, contentType, err := s.download(ctx, srcURL)
	if err != nil {
		return "", err
	}
	if err := s.store.Upload(ctx, path, data, contentType); err != nil {
		return "", err
	}
	return s.store.PublicURL(path), nil
}

// Persist mirrors the avatar and post thumbnails under
// {blog_id}/avatar.jpg and {blog_id}/post_{platform_id}.jpg. Individual
// failures are logged and skipped; scraping must not fail over imagery.
func (s *ImageStore) Persist(ctx context.Context, blogID, avatarURL string, posts []domain.Post) (string, map[string]string, error) {
	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		avatar   string
		postURLs = make(map[string]string)
	)

	if avatarURL != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			u, err := s.mirror(ctx, avatarURL, blogID+"/avatar.jpg")
			if err != nil {
				slog.Warn("avatar mirror failed", slog.String("blog_id", blogID), slog.Any("error", err))
				return
			}
			mu.Lock()
			avatar = u
			mu.Unlock()
		}()
	}

	for _, p := range posts {
		if p.ThumbnailURL == "" {
			continue
		}
		wg.Add(1)
		go func(platformID, src string) {
			defer wg.Done()
			u, err := s.mirror(ctx, src, fmt.Sprintf("%s/post_%s.jpg", blogID, platformID))
			if err != nil {
				slog.Warn("thumbnail mirror failed",
					slog.String("blog_id", blogID),
					slog.String("post", platformID),
					slog.Any("error", err))
				return
			}
			mu.Lock()
			postURLs[platformID] = u
			mu.Unlock()
		}(p.PlatformID, p.ThumbnailURL)
	}

	wg.Wait()
	return avatar, postURLs, nil
}

// DeleteBlogImages removes every stored object of the blog.
func (s *ImageStore) DeleteBlogImages(ctx context.Context, blogID string) (int, error) {
	names, err := s.store.List(ctx, blogID)
	if err != nil {
		return 0, fmt.Errorf("op=images.delete: %w", err)
	}
	if len(names) == 0 {
		return 0, nil
	}
	paths := make([]string, 0, len(names))
	for _, n := range names {
		paths = append(paths, blogID+"/"+n)
	}
	if err := s.store.Remove(ctx, paths); err != nil {
		return 0, fmt.Errorf("op=images.delete: %w", err)
	}
	return len(paths), nil
}
