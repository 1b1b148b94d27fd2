package rpcserver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cascadeql/sync-engine/internal/graphstore"
	"github.com/cascadeql/sync-engine/internal/query"
	"github.com/cascadeql/sync-engine/internal/schema"
	"github.com/cascadeql/sync-engine/internal/validator"
	"github.com/cascadeql/sync-engine/internal/vectorsink"
	"github.com/cascadeql/sync-engine/internal/vectorsink/memsink"
)

type fixedResolver map[string]uint16

func (f fixedResolver) ModelID(model string) uint16 { return f[model] }

func TestHandleQueryReturnsResults(t *testing.T) {
	sink := memsink.New()
	require.NoError(t, sink.Upsert(context.Background(), []vectorsink.Point{
		{ID: "lead-1", Payload: map[string]interface{}{"model": "lead", "id": float64(1), "name": "Acme"}},
	}))
	reg := schema.New([]schema.Model{{Name: "lead", Fields: []schema.Field{
		{Name: "id", InPayload: true}, {Name: "name", InPayload: true},
	}}}, []string{"model", "name"})
	graph := graphstore.New(sink, fixedResolver{"lead": 1})
	qe := query.New(reg, sink, graph)
	val := validator.New(reg, sink, graph, nil)

	srv := New(nil, val, qe, nil)
	req := httptest.NewRequest(http.MethodPost, "/v1/query/lead", nil)
	req.Body = http.NoBody
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleHealthz(t *testing.T) {
	srv := New(nil, nil, nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
