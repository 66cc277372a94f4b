package account

import (
	"context"
	"fmt"

	"github.com/Skotchmaster/blog_platform/internal/domain"
	"github.com/Skotchmaster/blog_platform/internal/es"
	"github.com/Skotchmaster/blog_platform/internal/logging"
	"github.com/Skotchmaster/blog_platform/internal/models"
	"github.com/Skotchmaster/blog_platform/internal/queue"
	"github.com/Skotchmaster/blog_platform/internal/repo"
	"github.com/Skotchmaster/blog_platform/internal/util"
)

// Admin holds the operator actions. Logins is nil when login search is not
// configured; history then comes from the database.
type Admin struct {
	Account *Service
	Queues  *queue.Client
	Logins  *es.LoginIndex
}

func (a *Admin) RevokeSessions(ctx context.Context, userID string) (int64, error) {
	if _, err := a.Account.Repo.FindUser(ctx, repo.UserQuery{ID: userID}); err != nil {
		return 0, err
	}
	n, err := a.Account.revokeAll(ctx, userID)
	if err != nil {
		return 0, err
	}
	logging.FromContext(ctx).Info("admin_sessions_revoked", "user_id", userID, "count", n)
	return n, nil
}

// SetBlocked flips the blocked flag. Blocking also ends every session.
func (a *Admin) SetBlocked(ctx context.Context, userID string, blocked bool) error {
	if err := a.Account.Repo.SetBlocked(ctx, userID, blocked); err != nil {
		return err
	}
	logging.FromContext(ctx).Info("admin_set_blocked", "user_id", userID, "blocked", blocked)
	if !blocked {
		return nil
	}
	_, err := a.Account.revokeAll(ctx, userID)
	return err
}

// FailedJobs pages through the retained failed set of a queue, newest first.
func (a *Admin) FailedJobs(ctx context.Context, name string, page, size int) ([]*queue.Job, error) {
	q, ok := a.Queues.Queue(name)
	if !ok {
		return nil, fmt.Errorf("queue %q: %w", name, domain.ErrNotFound)
	}
	start, stop := util.Range(page, size)
	return q.Failed(ctx, start, stop)
}

func (a *Admin) QueueCounts(ctx context.Context) (map[string]queue.Counts, error) {
	out := make(map[string]queue.Counts, len(queue.Families))
	for _, name := range queue.Families {
		q, _ := a.Queues.Queue(name)
		c, err := q.Counts(ctx)
		if err != nil {
			return nil, err
		}
		out[name] = c
	}
	return out, nil
}

// LoginHistory searches the login audit. Without a search index only a
// per-user listing is possible.
func (a *Admin) LoginHistory(ctx context.Context, q es.LoginQuery, page, size int) (int64, []models.LoginRecord, error) {
	from, limit := util.Calculate(page, size)
	if a.Logins != nil {
		return a.Logins.SearchLogins(ctx, q, from, limit)
	}
	if q.UserID == "" {
		return 0, nil, fmt.Errorf("user id required: %w", domain.ErrValidation)
	}
	total, err := a.Account.Repo.CountLoginRecords(ctx, q.UserID)
	if err != nil {
		return 0, nil, err
	}
	if int64(from) >= total {
		return total, []models.LoginRecord{}, nil
	}
	recs, err := a.Account.Repo.PageLoginRecords(ctx, q.UserID, from, limit)
	if err != nil {
		return 0, nil, err
	}
	return total, recs, nil
}
