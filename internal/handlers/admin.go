package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/Skotchmaster/blog_platform/internal/es"
	"github.com/Skotchmaster/blog_platform/internal/logging"
	"github.com/Skotchmaster/blog_platform/internal/queue"
	"github.com/Skotchmaster/blog_platform/internal/service/account"
)

type AdminHandler struct {
	Admin *account.Admin
}

type jobView struct {
	ID          string          `json:"id"`
	Queue       string          `json:"queue"`
	Payload     json.RawMessage `json:"payload"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	State       queue.State     `json:"state"`
	LastError   string          `json:"last_error,omitempty"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
	FinishedAt  time.Time       `json:"finished_at"`
}

func (h *AdminHandler) RevokeSessions(c echo.Context) error {
	ctx := c.Request().Context()
	n, err := h.Admin.RevokeSessions(ctx, c.Param("id"))
	if err != nil {
		return fail(c, "admin_revoke_sessions", err)
	}
	return c.JSON(http.StatusOK, echo.Map{"revoked": n})
}

func (h *AdminHandler) Block(c echo.Context) error {
	return h.setBlocked(c, true)
}

func (h *AdminHandler) Unblock(c echo.Context) error {
	return h.setBlocked(c, false)
}

func (h *AdminHandler) setBlocked(c echo.Context, blocked bool) error {
	ctx := c.Request().Context()
	if err := h.Admin.SetBlocked(ctx, c.Param("id"), blocked); err != nil {
		return fail(c, "admin_set_blocked", err)
	}
	return c.JSON(http.StatusOK, echo.Map{"id": c.Param("id"), "blocked": blocked})
}

func (h *AdminHandler) QueueCounts(c echo.Context) error {
	counts, err := h.Admin.QueueCounts(c.Request().Context())
	if err != nil {
		return fail(c, "admin_queue_counts", err)
	}
	return c.JSON(http.StatusOK, counts)
}

func (h *AdminHandler) FailedJobs(c echo.Context) error {
	ctx := c.Request().Context()
	name := c.Param("name")
	page, _ := strconv.Atoi(c.QueryParam("page"))
	size, _ := strconv.Atoi(c.QueryParam("size"))

	jobs, err := h.Admin.FailedJobs(ctx, name, page, size)
	if err != nil {
		return fail(c, "admin_failed_jobs", err)
	}

	out := make([]jobView, len(jobs))
	for i, j := range jobs {
		out[i] = jobView{
			ID:          j.ID,
			Queue:       j.Queue,
			Payload:     json.RawMessage(j.Payload),
			Attempts:    j.Attempts,
			MaxAttempts: j.MaxAttempts,
			State:       j.State,
			LastError:   j.LastError,
			EnqueuedAt:  j.EnqueuedAt,
			FinishedAt:  j.FinishedAt,
		}
	}
	logging.FromContext(ctx).Info("admin_failed_jobs", "queue", name, "count", len(out))
	return c.JSON(http.StatusOK, echo.Map{"queue": name, "jobs": out})
}

func (h *AdminHandler) LoginHistory(c echo.Context) error {
	ctx := c.Request().Context()
	q := es.LoginQuery{
		UserID: c.QueryParam("user_id"),
		Email:  c.QueryParam("email"),
		IP:     c.QueryParam("ip"),
	}
	if s := c.QueryParam("success"); s != "" {
		if v, err := strconv.ParseBool(s); err == nil {
			q.Success = &v
		}
	}
	page, _ := strconv.Atoi(c.QueryParam("page"))
	size, _ := strconv.Atoi(c.QueryParam("size"))

	total, recs, err := h.Admin.LoginHistory(ctx, q, page, size)
	if err != nil {
		return fail(c, "admin_login_history", err)
	}
	return c.JSON(http.StatusOK, echo.Map{"total": total, "logins": recs})
}
