package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"prism-board/broadcast"
	"prism-board/domain"
	"prism-board/internal/consts"
)

const accessTimeout = 2 * time.Second

// Options tunes the SSE endpoint.
type Options struct {
	// Buffer is the per connection event buffer; a full buffer evicts the client.
	Buffer    int
	KeepAlive time.Duration
	// Ready reports whether the bus subscription is live. Nil means always ready.
	Ready func() bool
}

type handler struct {
	hub    *broadcast.Hub
	auth   broadcast.Authenticator
	access domain.Authorizer
	opts   Options
	log    *log.Logger
}

type connectedPayload struct {
	ConnectionID string        `json:"connectionId"`
	UserID       string        `json:"userId"`
	Rooms        []domain.Room `json:"rooms"`
}

type joinRequest struct {
	Room domain.Room `json:"room"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Register wires up stream endpoints on the given Echo instance.
func Register(e *echo.Echo, hub *broadcast.Hub, auth broadcast.Authenticator, access domain.Authorizer, logger *log.Logger, opts Options) {
	if logger == nil {
		logger = log.StandardLogger()
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 64
	}
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = 15 * time.Second
	}
	h := &handler{hub: hub, auth: auth, access: access, opts: opts, log: logger}
	e.GET("/stream", h.stream)
	e.POST("/stream/connections/:id/rooms", h.join)
	e.DELETE("/stream/connections/:id/rooms/:room", h.leave)
	e.GET("/healthz", h.healthz)
}

func authHeader(c echo.Context) string {
	header := c.Request().Header.Get(echo.HeaderAuthorization)
	if header == "" {
		if token := c.QueryParam("token"); token != "" {
			header = "Bearer " + token
		}
	}
	return header
}

// canJoin applies room policy: a user room only to its own user, a project
// room only to users with access to the project.
func (h *handler) canJoin(ctx context.Context, userID string, room domain.Room) error {
	if uid, ok := room.UserID(); ok {
		if uid != userID {
			return domain.ErrUnauthorized
		}
		return nil
	}
	pid, ok := room.ProjectID()
	if !ok || pid == "" {
		return domain.ErrInvalidItem
	}
	ctx, cancel := context.WithTimeout(ctx, accessTimeout)
	defer cancel()
	allowed, err := h.access.CanAccess(ctx, pid, userID)
	if err != nil {
		return err
	}
	if !allowed {
		return domain.ErrUnauthorized
	}
	return nil
}

func joinError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, domain.ErrUnauthorized):
		return c.JSON(http.StatusForbidden, errorResponse{Error: "room not accessible"})
	case errors.Is(err, domain.ErrInvalidItem):
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid room"})
	case errors.Is(err, broadcast.ErrNotAuthenticated), errors.Is(err, broadcast.ErrDisconnected):
		return c.JSON(http.StatusGone, errorResponse{Error: err.Error()})
	default:
		c.Logger().Error(err)
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

func (h *handler) stream(c echo.Context) error {
	ctx := c.Request().Context()
	conn := broadcast.NewConn(uuid.NewString(), h.opts.Buffer)
	userID, err := conn.Authenticate(h.auth, authHeader(c))
	if err != nil {
		return c.JSON(http.StatusUnauthorized, errorResponse{Error: err.Error()})
	}

	h.hub.Register(conn)
	defer func() {
		h.hub.Unregister(conn)
		conn.Close()
	}()

	if err := h.hub.Join(domain.UserRoom(userID), conn); err != nil {
		return joinError(c, err)
	}
	if pid := c.QueryParam("project"); pid != "" {
		room := domain.ProjectRoom(pid)
		if err := h.canJoin(ctx, userID, room); err != nil {
			return joinError(c, err)
		}
		if err := h.hub.Join(room, conn); err != nil {
			return joinError(c, err)
		}
	}

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set(echo.HeaderCacheControl, "no-cache")
	res.Header().Set(echo.HeaderConnection, "keep-alive")
	res.Header().Set("X-Accel-Buffering", "no")
	flusher, ok := res.Writer.(http.Flusher)
	if !ok {
		return c.String(http.StatusInternalServerError, "stream unsupported")
	}
	res.WriteHeader(http.StatusOK)

	logger := h.log.WithFields(log.Fields{"conn_id": conn.ID, "user_id": userID})
	hello, err := sonic.Marshal(connectedPayload{ConnectionID: conn.ID, UserID: userID, Rooms: conn.Rooms()})
	if err != nil {
		return err
	}
	if err := writeEvent(res, "", consts.SSEConnected, hello); err != nil {
		return nil
	}
	flusher.Flush()
	logger.Debug("stream connected")

	ticker := time.NewTicker(h.opts.KeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Debug("stream closed by client")
			return nil
		case <-conn.Done():
			logger.Info("stream evicted")
			return nil
		case <-ticker.C:
			if _, err := res.Write([]byte(consts.SSEKeepAlive)); err != nil {
				return nil
			}
			flusher.Flush()
		case ev := <-conn.Events():
			data, err := sonic.Marshal(ev)
			if err != nil {
				logger.WithError(err).Error("encode event")
				continue
			}
			if err := writeEvent(res, strconv.FormatInt(ev.Timestamp, 10), ev.Type, data); err != nil {
				logger.WithError(err).Debug("write event")
				return nil
			}
			flusher.Flush()
		}
	}
}

// ownedConn resolves the connection named in the path and checks that the
// caller is the user it was authenticated as.
func (h *handler) ownedConn(c echo.Context) (*broadcast.Conn, string, error) {
	userID, err := h.auth.UserIDFromAuthHeader(authHeader(c))
	if err != nil {
		return nil, "", c.JSON(http.StatusUnauthorized, errorResponse{Error: err.Error()})
	}
	conn, ok := h.hub.Conn(c.Param("id"))
	if !ok || conn.UserID() != userID {
		return nil, "", c.JSON(http.StatusNotFound, errorResponse{Error: "connection not found"})
	}
	return conn, userID, nil
}

func (h *handler) join(c echo.Context) error {
	conn, userID, err := h.ownedConn(c)
	if conn == nil {
		return err
	}
	var req joinRequest
	if err := c.Bind(&req); err != nil || !req.Room.Valid() {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid room"})
	}
	if err := h.canJoin(c.Request().Context(), userID, req.Room); err != nil {
		return joinError(c, err)
	}
	if err := h.hub.Join(req.Room, conn); err != nil {
		return joinError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *handler) leave(c echo.Context) error {
	conn, _, err := h.ownedConn(c)
	if conn == nil {
		return err
	}
	room := domain.Room(c.Param("room"))
	if !room.Valid() {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid room"})
	}
	h.hub.Leave(room, conn)
	return c.NoContent(http.StatusNoContent)
}

func (h *handler) healthz(c echo.Context) error {
	if h.opts.Ready != nil && !h.opts.Ready() {
		return c.NoContent(http.StatusServiceUnavailable)
	}
	return c.NoContent(http.StatusOK)
}
