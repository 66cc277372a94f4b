package es

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/elastic/go-elasticsearch/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Skotchmaster/blog_platform/internal/models"
)

type fakeES struct {
	mu   sync.Mutex
	docs map[string][]byte
}

func (f *fakeES) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("X-Elastic-Product", "Elasticsearch")
	w.Header().Set("Content-Type", "application/json")
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case r.Method == http.MethodPut && strings.HasPrefix(r.URL.Path, "/logins/_doc/"):
		body, _ := io.ReadAll(r.Body)
		f.docs[strings.TrimPrefix(r.URL.Path, "/logins/_doc/")] = body
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"result":"created"}`))
	case strings.HasSuffix(r.URL.Path, "/_search"):
		hits := make([]map[string]json.RawMessage, 0, len(f.docs))
		for _, d := range f.docs {
			hits = append(hits, map[string]json.RawMessage{"_source": d})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"hits": map[string]any{"total": map[string]any{"value": len(hits)}, "hits": hits},
		})
	case r.URL.Path == "/":
		_, _ = w.Write([]byte(`{"version":{"number":"9.0.0"},"tagline":"You Know, for Search"}`))
	default:
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"not found"}`))
	}
}

func newTestIndex(t *testing.T) (*LoginIndex, *fakeES) {
	t.Helper()
	fake := &fakeES{docs: map[string][]byte{}}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	client, err := elasticsearch.NewClient(elasticsearch.Config{Addresses: []string{srv.URL}})
	require.NoError(t, err)
	return &LoginIndex{ES: client, Index: "logins"}, fake
}

func TestIndexLogin_IdempotentByAttemptID(t *testing.T) {
	idx, fake := newTestIndex(t)
	ctx := context.Background()
	rec := &models.LoginRecord{AttemptID: "att-1", Email: "a@example.com", Success: true, AttemptedAt: time.Now().UTC()}

	require.NoError(t, idx.IndexLogin(ctx, rec))
	require.NoError(t, idx.IndexLogin(ctx, rec))

	fake.mu.Lock()
	assert.Len(t, fake.docs, 1)
	fake.mu.Unlock()

	total, got, err := idx.SearchLogins(ctx, LoginQuery{Email: "a@example.com"}, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	require.Len(t, got, 1)
	assert.Equal(t, "att-1", got[0].AttemptID)
}

func TestIndexLogin_ErrorStatus(t *testing.T) {
	idx, _ := newTestIndex(t)
	idx.Index = "other"
	err := idx.IndexLogin(context.Background(), &models.LoginRecord{AttemptID: "x"})
	assert.Error(t, err)
}

func TestNewClient_Info(t *testing.T) {
	srv := httptest.NewServer(&fakeES{docs: map[string][]byte{}})
	defer srv.Close()

	_, err := NewClient(context.Background(), Config{URL: srv.URL})
	assert.NoError(t, err)
}
