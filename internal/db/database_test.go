package db

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"
)

func TestGormLogger(t *testing.T) {
	var buf bytes.Buffer
	l := newGormLogger(slog.NewJSONHandler(&buf, nil))
	ctx := context.Background()
	query := func() (string, int64) { return "SELECT * FROM users WHERE id = ?", 0 }

	l.Trace(ctx, time.Now(), query, gorm.ErrRecordNotFound)
	assert.Empty(t, buf.String())

	l.Trace(ctx, time.Now(), query, nil)
	assert.Empty(t, buf.String())

	l.Trace(ctx, time.Now(), query, errors.New("no such table: users"))
	assert.Contains(t, buf.String(), `"level":"WARN"`)
	assert.Contains(t, buf.String(), "no such table: users")
}
