// Package supabase implements object storage for profile imagery on the
// Supabase Storage REST API.
package supabase

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Store is a thin Supabase Storage REST client scoped to one bucket.
type Store struct {
	baseURL    string
	serviceKey string
	bucket     string
	hc         *http.Client
}

// NewStore constructs a Store for the given project URL, service key and
// bucket.
func NewStore(baseURL, serviceKey, bucket string) *Store {
	return &Store{
		baseURL:    strings.TrimRight(baseURL, "/"),
		serviceKey: serviceKey,
		bucket:     bucket,
		hc:         &http.Client{Timeout: 60 * time.Second},
	}
}

// Upload writes an object at path with upsert semantics, retrying transient
// failures.
func (s *Store) Upload(ctx context.Context, path string, data []byte, contentType string) error {
	op := func() error {
		u := fmt.Sprintf("%s/storage/v1/object/%s/%s", s.baseURL, s.bucket, path)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(data))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+s.serviceKey)
		req.Header.Set("Content-Type", contentType)
		req.Header.Set("x-upsert", "true")
		resp, err := s.hc.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return fmt.Errorf("status %d: %s", resp.StatusCode, body)
		}
		if resp.StatusCode >= 400 {
			return backoff.Permanent(fmt.Errorf("status %d: %s", resp.StatusCode, body))
		}
		return nil
	}
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 60 * time.Second
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return fmt.Errorf("op=supabase.upload %s: %w", path, err)
	}
	return nil
}

type listedObject struct {
	Name string `json:"name"`
}

// List returns object names under the prefix.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	payload, err := json.Marshal(map[string]any{"prefix": prefix, "limit": 1000})
	if err != nil {
		return nil, fmt.Errorf("op=supabase.list: %w", err)
	}
	u := fmt.Sprintf("%s/storage/v1/object/list/%s", s.baseURL, s.bucket)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("op=supabase.list: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.serviceKey)
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("op=supabase.list: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("op=supabase.list: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("op=supabase.list: status %d: %s", resp.StatusCode, body)
	}
	var objs []listedObject
	if err := json.Unmarshal(body, &objs); err != nil {
		return nil, fmt.Errorf("op=supabase.list: decode: %w", err)
	}
	names := make([]string, 0, len(objs))
	for _, o := range objs {
		names = append(names, o.Name)
	}
	return names, nil
}

// Remove deletes the given object paths.
func (s *Store) Remove(ctx context.Context, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	payload, err := json.Marshal(map[string]any{"prefixes": paths})
	if err != nil {
		return fmt.Errorf("op=supabase.remove: %w", err)
	}
	u := fmt.Sprintf("%s/storage/v1/object/%s", s.baseURL, s.bucket)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, u, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("op=supabase.remove: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.serviceKey)
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.hc.Do(req)
	if err != nil {
		return fmt.Errorf("op=supabase.remove: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("op=supabase.remove: status %d: %s", resp.StatusCode, body)
	}
	return nil
}

// PublicURL builds the public URL for an object path.
func (s *Store) PublicURL(path string) string {
	return fmt.Sprintf("%s/storage/v1/object/public/%s/%s", s.baseURL, s.bucket, path)
}
