// Package httpsink is the production vectorsink.Sink, talking to an
// HTTP-reachable vector database over a small REST surface (points
// upsert/retrieve/delete, payload-filtered scroll/count/search, and
// payload index creation). The request/response shapes follow the
// single-collection point-store convention the spec's glossary describes;
// internal/vectorsink/memsink is the in-process stand-in used by tests.
package httpsink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cascadeql/sync-engine/internal/vectorsink"
)

// Sink is the HTTP-backed vectorsink.Sink.
type Sink struct {
	baseURL    string
	collection string
	apiKey     string
	client     *http.Client
}

// New builds a Sink pointed at baseURL/collections/collection.
func New(baseURL, collection, apiKey string) *Sink {
	return &Sink{baseURL: baseURL, collection: collection, apiKey: apiKey, client: &http.Client{Timeout: 30 * time.Second}}
}

func (s *Sink) url(path string) string {
	return fmt.Sprintf("%s/collections/%s%s", s.baseURL, s.collection, path)
}

func (s *Sink) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.url(path), reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("httpsink: %s %s returned status %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (s *Sink) Upsert(ctx context.Context, points []vectorsink.Point) error {
	return s.do(ctx, http.MethodPut, "/points", map[string]interface{}{"points": points}, nil)
}

func (s *Sink) Retrieve(ctx context.Context, ids []string) ([]vectorsink.Point, error) {
	var out struct {
		Points []vectorsink.Point `json:"points"`
	}
	if err := s.do(ctx, http.MethodPost, "/points/retrieve", map[string]interface{}{"ids": ids}, &out); err != nil {
		return nil, err
	}
	return out.Points, nil
}

func (s *Sink) Delete(ctx context.Context, ids []string) error {
	return s.do(ctx, http.MethodPost, "/points/delete", map[string]interface{}{"ids": ids}, nil)
}

func (s *Sink) Scroll(ctx context.Context, filter *vectorsink.Filter, cursor string, limit int) (vectorsink.ScrollPage, error) {
	var out vectorsink.ScrollPage
	body := map[string]interface{}{"filter": filter, "cursor": cursor, "limit": limit}
	if err := s.do(ctx, http.MethodPost, "/points/scroll", body, &out); err != nil {
		return vectorsink.ScrollPage{}, err
	}
	return out, nil
}

func (s *Sink) Count(ctx context.Context, filter *vectorsink.Filter) (int64, error) {
	var out struct {
		Count int64 `json:"count"`
	}
	if err := s.do(ctx, http.MethodPost, "/points/count", map[string]interface{}{"filter": filter}, &out); err != nil {
		return 0, err
	}
	return out.Count, nil
}

func (s *Sink) Search(ctx context.Context, vector []float32, filter *vectorsink.Filter, topK int) ([]vectorsink.ScoredPoint, error) {
	var out struct {
		Result []vectorsink.ScoredPoint `json:"result"`
	}
	body := map[string]interface{}{"vector": vector, "filter": filter, "limit": topK}
	if err := s.do(ctx, http.MethodPost, "/points/search", body, &out); err != nil {
		return nil, err
	}
	return out.Result, nil
}

func (s *Sink) CreatePayloadIndex(ctx context.Context, field string) error {
	return s.do(ctx, http.MethodPut, "/index", map[string]interface{}{"field_name": field}, nil)
}
