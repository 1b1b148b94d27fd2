package httpsink

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cascadeql/sync-engine/internal/vectorsink"
)

func TestUpsertPutsToPointsEndpoint(t *testing.T) {
	var gotPath, gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath, gotMethod = r.URL.Path, r.Method
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := New(srv.URL, "records", "key")
	err := s.Upsert(context.Background(), []vectorsink.Point{{ID: "1", Vector: []float32{0.1}}})
	require.NoError(t, err)
	assert.Equal(t, "/collections/records/points", gotPath)
	assert.Equal(t, http.MethodPut, gotMethod)
}

func TestScrollDecodesPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/collections/records/points/scroll", r.URL.Path)
		json.NewEncoder(w).Encode(vectorsink.ScrollPage{
			Points:     []vectorsink.Point{{ID: "1"}, {ID: "2"}},
			NextCursor: "cursor-2",
		})
	}))
	defer srv.Close()

	s := New(srv.URL, "records", "")
	page, err := s.Scroll(context.Background(), nil, "", 10)
	require.NoError(t, err)
	assert.Len(t, page.Points, 2)
	assert.Equal(t, "cursor-2", page.NextCursor)
}

func TestNonSuccessStatusReturnsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	s := New(srv.URL, "records", "")
	_, err := s.Count(context.Background(), nil)
	assert.Error(t, err)
}
