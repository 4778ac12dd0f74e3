// Package httpapi exposes the read-mostly control plane over HTTP.
// Chat stays the primary interface; this API serves dashboards, local
// tooling, and the Slack Events endpoint.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/fetchcore/fetch/eventbus"
	"github.com/fetchcore/fetch/internal/logger"
	"github.com/fetchcore/fetch/internal/metrics"
	"github.com/fetchcore/fetch/model"
	"github.com/fetchcore/fetch/store"
	"github.com/fetchcore/fetch/task"
)

const (
	apiTimeout  = 15 * time.Second
	writeWait   = 10 * time.Second
	pingPeriod  = 30 * time.Second
	defaultPage = 50
	maxPage     = 200
)

// Reader is the slice of the store the API reads from.
type Reader interface {
	ListSessions() ([]*model.Session, error)
	GetSession(id string) (*model.Session, error)
	GetMessages(threadID string) ([]*model.Message, error)
	GetRecentMessages(threadID string, n int) ([]*model.Message, error)
	ListTasks(limit int) ([]*model.Task, error)
	GetTask(id string) (*model.Task, error)
}

// TaskController is the live-task surface the API drives.
type TaskController interface {
	Current() *model.Task
	Cancel(ctx context.Context, id string) error
}

// WorkspaceLister lists sandbox workspaces.
type WorkspaceLister interface {
	List(ctx context.Context, force bool) ([]model.Workspace, error)
}

// ModeReader reads the mode machine without driving it.
type ModeReader interface {
	State() model.ModeState
}

// BreakerReader reports the upstream circuit state.
type BreakerReader interface {
	State() string
}

// Deps carries everything the handlers touch.
type Deps struct {
	Store      Reader
	Tasks      TaskController
	Workspaces WorkspaceLister
	Modes      ModeReader
	Breaker    BreakerReader
	Bus        eventbus.Bus
	// Slack, when non-nil, is mounted at POST /slack/events.
	Slack     http.Handler
	StartedAt time.Time
	Version   string
	Log       *logger.Logger
}

// Handler serves the control-plane API.
type Handler struct {
	deps     Deps
	log      *logger.Logger
	router   chi.Router
	upgrader websocket.Upgrader
}

// New builds the handler and its routes.
func New(deps Deps) *Handler {
	if deps.Log == nil {
		deps.Log = logger.Nop()
	}
	h := &Handler{
		deps: deps,
		log:  deps.Log.Named("httpapi"),
		upgrader: websocket.Upgrader{
			// The API binds to localhost; browsers talk to it through
			// local tooling only.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	h.router = h.buildRouter()
	return h
}

// Router returns the HTTP router.
func (h *Handler) Router() chi.Router {
	return h.router
}

func (h *Handler) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(h.log))

	r.Get("/healthz", h.handleHealthz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(apiTimeout))
			r.Get("/status", h.handleStatus)
			r.Get("/sessions", h.handleListSessions)
			r.Get("/sessions/{id}/messages", h.handleSessionMessages)
			r.Get("/tasks", h.handleListTasks)
			r.Get("/tasks/{id}", h.handleGetTask)
			r.Post("/tasks/{id}/cancel", h.handleCancelTask)
			r.Get("/workspaces", h.handleListWorkspaces)
		})
		// The event stream outlives any request timeout.
		r.Get("/events", h.handleEvents)
	})

	if h.deps.Slack != nil {
		r.Method(http.MethodPost, "/slack/events", h.deps.Slack)
	}

	return r
}

// --- Response types ---

// envelope is the uniform response wrapper.
type envelope struct {
	OK    bool   `json:"ok"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

type statusPayload struct {
	Mode          string     `json:"mode"`
	Since         time.Time  `json:"since"`
	UptimeSeconds int64      `json:"uptime_seconds"`
	Circuit       string     `json:"circuit"`
	Version       string     `json:"version"`
	Task          *taskBrief `json:"task,omitempty"`
}

type taskBrief struct {
	ID     string           `json:"id"`
	Status model.TaskStatus `json:"status"`
	Goal   string           `json:"goal"`
}

// --- Handlers ---

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	h.writeData(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := h.deps.Modes.State()
	payload := statusPayload{
		Mode:          string(st.Mode),
		Since:         st.Since,
		UptimeSeconds: int64(time.Since(h.deps.StartedAt).Seconds()),
		Circuit:       h.deps.Breaker.State(),
		Version:       h.deps.Version,
	}
	if t := h.deps.Tasks.Current(); t != nil {
		payload.Task = &taskBrief{ID: t.ID, Status: t.Status, Goal: t.Goal}
	}
	h.writeData(w, http.StatusOK, payload)
}

func (h *Handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.deps.Store.ListSessions()
	if err != nil {
		h.log.Error("list sessions", zap.Error(err))
		h.writeErr(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	if sessions == nil {
		sessions = []*model.Session{}
	}
	h.writeData(w, http.StatusOK, sessions)
}

func (h *Handler) handleSessionMessages(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := h.deps.Store.GetSession(id)
	if err != nil {
		h.writeErr(w, http.StatusNotFound, "session not found")
		return
	}
	msgs := []*model.Message{}
	if sess.ActiveThreadID != "" {
		if limit := queryInt(r, "limit", 0, maxPage); limit > 0 {
			msgs, err = h.deps.Store.GetRecentMessages(sess.ActiveThreadID, limit)
		} else {
			msgs, err = h.deps.Store.GetMessages(sess.ActiveThreadID)
		}
		if err != nil {
			h.log.Error("get messages", zap.String("session", id), zap.Error(err))
			h.writeErr(w, http.StatusInternalServerError, "failed to get messages")
			return
		}
		if msgs == nil {
			msgs = []*model.Message{}
		}
	}
	h.writeData(w, http.StatusOK, msgs)
}

func (h *Handler) handleListTasks(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", defaultPage, maxPage)
	tasks, err := h.deps.Store.ListTasks(limit)
	if err != nil {
		h.log.Error("list tasks", zap.Error(err))
		h.writeErr(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}
	if tasks == nil {
		tasks = []*model.Task{}
	}
	h.writeData(w, http.StatusOK, tasks)
}

func (h *Handler) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	t, err := h.deps.Store.GetTask(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.writeErr(w, http.StatusNotFound, "task not found")
			return
		}
		h.log.Error("get task", zap.String("task", id), zap.Error(err))
		h.writeErr(w, http.StatusInternalServerError, "failed to get task")
		return
	}
	h.writeData(w, http.StatusOK, t)
}

func (h *Handler) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := h.deps.Tasks.Cancel(r.Context(), id)
	switch {
	case err == nil:
		h.writeData(w, http.StatusOK, map[string]string{"task": id, "result": "cancelling"})
	case errors.Is(err, store.ErrNotFound):
		h.writeErr(w, http.StatusNotFound, "task not found")
	case errors.Is(err, task.ErrFinished):
		h.writeErr(w, http.StatusConflict, "task already finished")
	default:
		h.writeErr(w, http.StatusConflict, err.Error())
	}
}

func (h *Handler) handleListWorkspaces(w http.ResponseWriter, r *http.Request) {
	list, err := h.deps.Workspaces.List(r.Context(), false)
	if err != nil {
		h.log.Error("list workspaces", zap.Error(err))
		h.writeErr(w, http.StatusInternalServerError, "failed to list workspaces")
		return
	}
	if list == nil {
		list = []model.Workspace{}
	}
	h.writeData(w, http.StatusOK, list)
}

// handleEvents upgrades to a websocket and forwards every bus event as
// one JSON message per event.
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	events := h.deps.Bus.SubscribeAll()
	defer h.deps.Bus.Unsubscribe(eventbus.TopicAll, events)

	// Drain client frames so close and pong control messages are seen.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				conn.Close()
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

// --- Helpers ---

func (h *Handler) writeData(w http.ResponseWriter, status int, data any) {
	h.writeJSON(w, status, envelope{OK: true, Data: data})
}

func (h *Handler) writeErr(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, envelope{OK: false, Error: msg})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Warn("response encode failed", zap.Error(err))
	}
}

func queryInt(r *http.Request, key string, def, max int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

func requestLogger(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debug("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("took", time.Since(start)))
		})
	}
}
