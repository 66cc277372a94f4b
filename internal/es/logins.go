// Package es mirrors login records into Elasticsearch for audit search.
package es

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/elastic/go-elasticsearch/v9"

	"github.com/Skotchmaster/blog_platform/internal/models"
)

type LoginIndex struct {
	ES    *elasticsearch.Client
	Index string
}

// IndexLogin writes rec with its attempt id as document id, so a retried
// job overwrites instead of duplicating.
func (l *LoginIndex) IndexLogin(ctx context.Context, rec *models.LoginRecord) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("es: encode login: %w", err)
	}

	res, err := l.ES.Index(l.Index, bytes.NewReader(body),
		l.ES.Index.WithContext(ctx),
		l.ES.Index.WithDocumentID(rec.AttemptID),
	)
	if err != nil {
		return fmt.Errorf("es: index login: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		msg, _ := io.ReadAll(res.Body)
		return fmt.Errorf("es: index login: %s: %s", res.Status(), msg)
	}
	return nil
}

type LoginQuery struct {
	UserID string
	Email  string
	IP     string
	// Success filters by outcome when set.
	Success *bool
}

// SearchLogins returns matching records, newest first.
func (l *LoginIndex) SearchLogins(ctx context.Context, q LoginQuery, from, size int) (int64, []models.LoginRecord, error) {
	var filters []map[string]any
	term := func(field, value string) {
		if value != "" {
			filters = append(filters, map[string]any{"term": map[string]any{field: value}})
		}
	}
	term("user_id.keyword", q.UserID)
	term("email.keyword", q.Email)
	term("ip.keyword", q.IP)
	if q.Success != nil {
		filters = append(filters, map[string]any{"term": map[string]any{"success": *q.Success}})
	}

	body := map[string]any{
		"query": map[string]any{"bool": map[string]any{"filter": filters}},
		"sort":  []any{map[string]any{"attempted_at": map[string]any{"order": "desc"}}},
		"from":  from,
		"size":  size,
	}

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return 0, nil, fmt.Errorf("es: encode query: %w", err)
	}

	res, err := l.ES.Search(
		l.ES.Search.WithContext(ctx),
		l.ES.Search.WithIndex(l.Index),
		l.ES.Search.WithBody(&buf),
	)
	if err != nil {
		return 0, nil, fmt.Errorf("es: search logins: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		msg, _ := io.ReadAll(res.Body)
		return 0, nil, fmt.Errorf("es: search logins: %s: %s", res.Status(), msg)
	}

	var r struct {
		Hits struct {
			Total struct{ Value int64 } `json:"total"`
			Hits  []struct {
				Source models.LoginRecord `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&r); err != nil {
		return 0, nil, fmt.Errorf("es: decode logins: %w", err)
	}

	out := make([]models.LoginRecord, len(r.Hits.Hits))
	for i, hit := range r.Hits.Hits {
		out[i] = hit.Source
	}
	return r.Hits.Total.Value, out, nil
}
