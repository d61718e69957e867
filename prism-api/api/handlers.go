package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"prism-board/domain"
)

const (
	headerIdempotencyKey     = "Idempotency-Key"
	defaultNotificationLimit = 50
	maxNotificationLimit     = 200
	healthTimeout            = 2 * time.Second
)

type server struct {
	board   Board
	auth    Authenticator
	deduper Deduper
	inbox   Inbox
	checks  []HealthCheck
	log     *log.Logger
}

// Register wires up all API routes on the provided Echo instance. deduper and
// inbox may be nil.
func Register(e *echo.Echo, board Board, auth Authenticator, deduper Deduper, inbox Inbox, logger *log.Logger, checks ...HealthCheck) {
	if logger == nil {
		logger = log.StandardLogger()
	}
	s := &server{board: board, auth: auth, deduper: deduper, inbox: inbox, checks: checks, log: logger}

	e.POST("/api/projects", s.handle("/api/projects", s.createProject))
	e.GET("/api/projects/:id", s.handle("/api/projects/:id", s.getProject))
	e.POST("/api/projects/:id/members", s.handle("/api/projects/:id/members", s.addMember))
	e.GET("/api/projects/:id/board", s.handle("/api/projects/:id/board", s.projectBoard))

	for _, g := range []struct {
		path string
		kind domain.ItemKind
	}{
		{"/api/projects/:id/sections", domain.KindSection},
		{"/api/sections/:id/tasks", domain.KindTask},
		{"/api/tasks/:id/subtasks", domain.KindSubtask},
	} {
		e.GET(g.path, s.handle(g.path, s.listGroup(g.kind)))
		e.POST(g.path, s.handle(g.path, s.insert(g.kind)))
	}

	e.GET("/api/items/:id", s.handle("/api/items/:id", s.getItem))
	e.PATCH("/api/items/:id", s.handle("/api/items/:id", s.updateItem))
	e.DELETE("/api/items/:id", s.handle("/api/items/:id", s.removeItem))
	e.POST("/api/items/:id/move", s.handle("/api/items/:id/move", s.moveItem))
	e.POST("/api/groups/:kind/:parent/repair", s.handle("/api/groups/:kind/:parent/repair", s.repairGroup))

	e.GET("/api/notifications", s.handle("/api/notifications", s.notifications))
	e.GET("/healthz", s.healthz)
}

type authedHandler func(c echo.Context, userID string, m *requestMetrics) error

// handle authenticates the caller and records request metrics around h.
func (s *server) handle(route string, h authedHandler) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		req := c.Request()
		metrics, ctx := newRequestMetrics(req.Context(), s.log, req.Method, route)
		c.SetRequest(req.WithContext(ctx))
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		authStart := time.Now()
		userID, authErr := s.auth.UserIDFromAuthHeader(req.Header.Get(echo.HeaderAuthorization))
		metrics.ObserveAuth(time.Since(authStart))
		if authErr != nil {
			metrics.Fail("auth", authErr)
			return c.JSON(http.StatusUnauthorized, errorResponse{Error: authErr.Error()})
		}
		return h(c, userID, metrics)
	}
}

// timed runs a board call and records its duration.
func timed[T any](m *requestMetrics, fn func() (T, error)) (T, error) {
	start := time.Now()
	v, err := fn()
	m.ObserveBoard(time.Since(start))
	return v, err
}

func (s *server) healthz(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), healthTimeout)
	defer cancel()
	for _, check := range s.checks {
		if err := check(ctx); err != nil {
			s.log.WithError(err).Warn("health check failed")
			return c.JSON(http.StatusServiceUnavailable, errorResponse{Error: "unhealthy"})
		}
	}
	return c.NoContent(http.StatusOK)
}

func (s *server) createProject(c echo.Context, userID string, m *requestMetrics) error {
	var req projectRequest
	if err := decodeBody(c, &req); err != nil {
		return writeError(c, m, "decode", err)
	}
	if strings.TrimSpace(req.Name) == "" {
		return writeError(c, m, "validation", fmt.Errorf("%w: name is required", domain.ErrInvalidItem))
	}
	p, err := timed(m, func() (domain.Project, error) {
		return s.board.CreateProject(c.Request().Context(), userID, req.Name)
	})
	if err != nil {
		return writeError(c, m, "board", err)
	}
	return c.JSON(http.StatusCreated, p)
}

func (s *server) getProject(c echo.Context, userID string, m *requestMetrics) error {
	p, err := timed(m, func() (domain.Project, error) {
		return s.board.GetProject(c.Request().Context(), userID, c.Param("id"))
	})
	if err != nil {
		return writeError(c, m, "board", err)
	}
	return c.JSON(http.StatusOK, p)
}

func (s *server) addMember(c echo.Context, userID string, m *requestMetrics) error {
	var req memberRequest
	if err := decodeBody(c, &req); err != nil {
		return writeError(c, m, "decode", err)
	}
	if strings.TrimSpace(req.UserID) == "" {
		return writeError(c, m, "validation", fmt.Errorf("%w: userId is required", domain.ErrInvalidItem))
	}
	_, err := timed(m, func() (struct{}, error) {
		return struct{}{}, s.board.AddMember(c.Request().Context(), userID, c.Param("id"), req.UserID)
	})
	if err != nil {
		return writeError(c, m, "board", err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *server) projectBoard(c echo.Context, userID string, m *requestMetrics) error {
	f, err := parseFilter(c)
	if err != nil {
		return writeError(c, m, "validation", err)
	}
	view, err := timed(m, func() (domain.BoardView, error) {
		return s.board.ProjectBoard(c.Request().Context(), userID, c.Param("id"), f)
	})
	if err != nil {
		return writeError(c, m, "board", err)
	}
	n := 0
	for _, sec := range view.Sections {
		n += 1 + len(sec.Tasks)
		for _, t := range sec.Tasks {
			n += len(t.Subtasks)
		}
	}
	m.SetItemsReturned(n)
	return c.JSON(http.StatusOK, view)
}

func (s *server) listGroup(kind domain.ItemKind) authedHandler {
	return func(c echo.Context, userID string, m *requestMetrics) error {
		f, err := parseFilter(c)
		if err != nil {
			return writeError(c, m, "validation", err)
		}
		key := domain.GroupKey{Kind: kind, ParentID: c.Param("id")}
		view, err := timed(m, func() (domain.GroupView, error) {
			return s.board.List(c.Request().Context(), userID, key, f)
		})
		if err != nil {
			return writeError(c, m, "board", err)
		}
		m.SetItemsReturned(len(view.Items))
		return c.JSON(http.StatusOK, view)
	}
}

func (s *server) insert(kind domain.ItemKind) authedHandler {
	return func(c echo.Context, userID string, m *requestMetrics) error {
		var req insertRequest
		if err := decodeBody(c, &req); err != nil {
			return writeError(c, m, "decode", err)
		}
		ctx := c.Request().Context()

		idemKey := strings.TrimSpace(c.Request().Header.Get(headerIdempotencyKey))
		recorded := false
		if idemKey != "" && s.deduper != nil {
			m.SetIdempotent(true)
			added, err := s.deduper.Add(ctx, userID, idemKey)
			switch {
			case err != nil:
				s.log.WithFields(log.Fields{"user_id": userID}).WithError(err).Warn("idempotency check failed, processing request")
			case !added:
				m.Fail("duplicate", nil)
				return c.JSON(http.StatusConflict, errorResponse{Error: "duplicate request"})
			default:
				recorded = true
			}
		}

		key := domain.GroupKey{Kind: kind, ParentID: c.Param("id")}
		payload := domain.NewItem{Title: req.Title, Notes: req.Notes, Status: req.Status, AssigneeID: req.AssigneeID}
		it, err := timed(m, func() (domain.Item, error) {
			return s.board.Insert(ctx, userID, key, payload, req.Position)
		})
		if err != nil {
			if recorded {
				if rmErr := s.deduper.Remove(context.WithoutCancel(ctx), userID, idemKey); rmErr != nil {
					s.log.WithFields(log.Fields{"user_id": userID}).WithError(rmErr).Warn("failed to release idempotency key")
				}
			}
			return writeError(c, m, "board", err)
		}
		return c.JSON(http.StatusCreated, it)
	}
}

func (s *server) getItem(c echo.Context, userID string, m *requestMetrics) error {
	it, err := timed(m, func() (domain.Item, error) {
		return s.board.Get(c.Request().Context(), userID, c.Param("id"))
	})
	if err != nil {
		return writeError(c, m, "board", err)
	}
	m.SetItemsReturned(1)
	return c.JSON(http.StatusOK, it)
}

func (s *server) updateItem(c echo.Context, userID string, m *requestMetrics) error {
	var patch domain.ItemPatch
	if err := decodeBody(c, &patch); err != nil {
		return writeError(c, m, "decode", err)
	}
	it, err := timed(m, func() (domain.Item, error) {
		return s.board.Update(c.Request().Context(), userID, c.Param("id"), patch)
	})
	if err != nil {
		return writeError(c, m, "board", err)
	}
	return c.JSON(http.StatusOK, it)
}

func (s *server) removeItem(c echo.Context, userID string, m *requestMetrics) error {
	_, err := timed(m, func() (struct{}, error) {
		return struct{}{}, s.board.Remove(c.Request().Context(), userID, c.Param("id"))
	})
	if err != nil {
		return writeError(c, m, "board", err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *server) moveItem(c echo.Context, userID string, m *requestMetrics) error {
	var req moveRequest
	if err := decodeBody(c, &req); err != nil {
		return writeError(c, m, "decode", err)
	}
	dest := domain.GroupKey{Kind: req.Kind, ParentID: req.ParentID}
	it, err := timed(m, func() (domain.Item, error) {
		return s.board.Move(c.Request().Context(), userID, c.Param("id"), dest, req.Position)
	})
	if err != nil {
		return writeError(c, m, "board", err)
	}
	return c.JSON(http.StatusOK, it)
}

func (s *server) repairGroup(c echo.Context, userID string, m *requestMetrics) error {
	key := domain.GroupKey{Kind: domain.ItemKind(c.Param("kind")), ParentID: c.Param("parent")}
	if err := key.Validate(); err != nil {
		return writeError(c, m, "validation", err)
	}
	writes, err := timed(m, func() ([]domain.Placement, error) {
		return s.board.Repair(c.Request().Context(), userID, key)
	})
	if err != nil {
		return writeError(c, m, "board", err)
	}
	if writes == nil {
		writes = []domain.Placement{}
	}
	return c.JSON(http.StatusOK, repairResponse{Group: key.String(), Positions: writes})
}

func (s *server) notifications(c echo.Context, userID string, m *requestMetrics) error {
	limit := defaultNotificationLimit
	if raw := strings.TrimSpace(c.QueryParam("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return writeError(c, m, "validation", fmt.Errorf("%w: invalid limit", errInvalidBody))
		}
		limit = min(n, maxNotificationLimit)
	}
	resp := notificationsResponse{Notifications: []domain.Notification{}}
	if s.inbox == nil {
		return c.JSON(http.StatusOK, resp)
	}
	notes, err := timed(m, func() ([]domain.Notification, error) {
		return s.inbox.List(c.Request().Context(), userID, limit)
	})
	if err != nil {
		return writeError(c, m, "inbox", err)
	}
	if notes != nil {
		resp.Notifications = notes
	}
	m.SetItemsReturned(len(resp.Notifications))
	return c.JSON(http.StatusOK, resp)
}

func parseFilter(c echo.Context) (domain.ListFilter, error) {
	f := domain.ListFilter{Status: c.QueryParam("status")}
	var err error
	if f.Limit, err = nonNegativeParam(c, "limit"); err != nil {
		return f, err
	}
	if f.Offset, err = nonNegativeParam(c, "offset"); err != nil {
		return f, err
	}
	switch strings.ToLower(strings.TrimSpace(f.Status)) {
	case "", domain.StatusOpen, domain.StatusDone:
	default:
		return f, fmt.Errorf("%w: unknown status %q", domain.ErrInvalidItem, f.Status)
	}
	return f, nil
}

func nonNegativeParam(c echo.Context, name string) (int, error) {
	raw := strings.TrimSpace(c.QueryParam(name))
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.Join(fmt.Errorf("%w: invalid %s", domain.ErrInvalidItem, name), err)
	}
	return n, nil
}
