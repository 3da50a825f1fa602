package httpapi

import (
	"bytes"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/ggicci/httpin"
	httpin_integ "github.com/ggicci/httpin/integration"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"retryq/internal/queue"
	"retryq/internal/registry"
	logx "retryq/pkg/logx"
)

func init() {
	httpin_integ.UseGochiURLParam("path", chi.URLParam)
}

// Registry is the queue registry the API serves.
type Registry = registry.Registry[json.RawMessage]

type routes struct {
	reg     *Registry
	limiter *rate.Limiter
	log     logx.Logger
}

func newRouter(rt *routes, cfg Config) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(rt.requestLog)
	if tok := strings.TrimSpace(cfg.Token); tok != "" {
		r.Use(withAuth(tok))
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if cfg.Pprof {
		r.Mount("/debug", middleware.Profiler())
	}

	r.Get("/api/v1/queues", rt.listQueues)
	r.With(httpin.NewInput(QueueRequest{})).Get("/api/v1/queues/{queue}/stats", rt.queueStats)
	r.With(httpin.NewInput(ListTasksRequest{})).Get("/api/v1/queues/{queue}/tasks", rt.listTasks)
	r.With(httpin.NewInput(AddTaskRequest{})).Post("/api/v1/queues/{queue}/tasks", rt.addTask)
	r.With(httpin.NewInput(TaskRequest{})).Get("/api/v1/queues/{queue}/tasks/{id}", rt.getTask)
	r.With(httpin.NewInput(TaskRequest{})).Delete("/api/v1/queues/{queue}/tasks/{id}", rt.deleteTask)
	r.With(httpin.NewInput(TaskRequest{})).Post("/api/v1/queues/{queue}/tasks/{id}/retry", rt.retryTask)
	r.With(httpin.NewInput(QueueRequest{})).Post("/api/v1/queues/{queue}/retry", rt.retryAll)
	r.With(httpin.NewInput(ClearRequest{})).Post("/api/v1/queues/{queue}/clear", rt.clear)
	return r
}

func (rt *routes) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		rt.log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("took", time.Since(start)),
		)
	})
}

// withAuth accepts either "Authorization: Bearer <token>" or ?token=<token>.
// /healthz stays open for probes.
func withAuth(tok string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/healthz" {
				next.ServeHTTP(w, r)
				return
			}
			if got := r.URL.Query().Get("token"); got != "" {
				if tokenMatches(got, tok) {
					next.ServeHTTP(w, r)
					return
				}
				unauthorized(w)
				return
			}
			const p = "Bearer "
			if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && tokenMatches(strings.TrimSpace(strings.TrimPrefix(ah, p)), tok) {
				next.ServeHTTP(w, r)
				return
			}
			unauthorized(w)
		})
	}
}

func tokenMatches(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	fail(w, http.StatusUnauthorized, "unauthorized")
}

func (rt *routes) lookup(w http.ResponseWriter, name string) (*queue.Queue[json.RawMessage], bool) {
	q, ok := rt.reg.Lookup(name)
	if !ok {
		fail(w, http.StatusNotFound, "queue not found")
	}
	return q, ok
}

func (rt *routes) listQueues(w http.ResponseWriter, r *http.Request) {
	encode(w, http.StatusOK, ListQueuesResponse{Queues: rt.reg.Snapshot()})
}

func (rt *routes) queueStats(w http.ResponseWriter, r *http.Request) {
	req := r.Context().Value(httpin.Input).(*QueueRequest)
	q, ok := rt.lookup(w, req.Queue)
	if !ok {
		return
	}
	encode(w, http.StatusOK, q.Stats())
}

func (rt *routes) listTasks(w http.ResponseWriter, r *http.Request) {
	req := r.Context().Value(httpin.Input).(*ListTasksRequest)
	q, ok := rt.lookup(w, req.Queue)
	if !ok {
		return
	}
	var tasks []Task
	if strings.TrimSpace(req.Status) == "" {
		tasks = q.Tasks()
	} else {
		st, ok := queue.ParseStatus(req.Status)
		if !ok {
			fail(w, http.StatusBadRequest, "unknown status "+req.Status)
			return
		}
		tasks = q.TasksByStatus(st)
	}
	encode(w, http.StatusOK, ListTasksResponse{Tasks: tasks})
}

func (rt *routes) addTask(w http.ResponseWriter, r *http.Request) {
	req := r.Context().Value(httpin.Input).(*AddTaskRequest)
	if !rt.limiter.Allow() {
		w.Header().Set("Retry-After", "1")
		fail(w, http.StatusTooManyRequests, "submission rate exceeded")
		return
	}

	body := req.Body
	if p := bytes.TrimSpace(body.Payload); len(p) == 0 || bytes.Equal(p, []byte("null")) {
		fail(w, http.StatusBadRequest, "payload is required")
		return
	}
	var delay time.Duration
	if s := strings.TrimSpace(body.Delay); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil || d < 0 {
			fail(w, http.StatusBadRequest, "invalid delay "+s)
			return
		}
		delay = d
	}

	q, err := rt.reg.Get(req.Queue)
	switch {
	case errors.Is(err, registry.ErrInvalidName):
		fail(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, registry.ErrUnknown):
		fail(w, http.StatusNotFound, err.Error())
		return
	case err != nil:
		rt.log.Warn("queue create failed", logx.String("queue", req.Queue), logx.Err(err))
		fail(w, http.StatusInternalServerError, err.Error())
		return
	}

	id, err := q.Add(body.Payload, queue.AddOptions{ID: body.ID, Priority: body.Priority, Delay: delay})
	if errors.Is(err, queue.ErrDuplicateID) {
		fail(w, http.StatusConflict, "task id already exists")
		return
	}
	if err != nil {
		fail(w, http.StatusInternalServerError, err.Error())
		return
	}
	encode(w, http.StatusCreated, AddTaskResponse{ID: id})
}

func (rt *routes) getTask(w http.ResponseWriter, r *http.Request) {
	req := r.Context().Value(httpin.Input).(*TaskRequest)
	q, ok := rt.lookup(w, req.Queue)
	if !ok {
		return
	}
	t, ok := q.Get(req.ID)
	if !ok {
		fail(w, http.StatusNotFound, "task not found")
		return
	}
	encode(w, http.StatusOK, t)
}

func (rt *routes) deleteTask(w http.ResponseWriter, r *http.Request) {
	req := r.Context().Value(httpin.Input).(*TaskRequest)
	q, ok := rt.lookup(w, req.Queue)
	if !ok {
		return
	}
	if q.Remove(req.ID) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if _, exists := q.Get(req.ID); exists {
		fail(w, http.StatusConflict, "task is processing")
		return
	}
	fail(w, http.StatusNotFound, "task not found")
}

func (rt *routes) retryTask(w http.ResponseWriter, r *http.Request) {
	req := r.Context().Value(httpin.Input).(*TaskRequest)
	q, ok := rt.lookup(w, req.Queue)
	if !ok {
		return
	}
	if q.Retry(req.ID) {
		t, _ := q.Get(req.ID)
		encode(w, http.StatusOK, t)
		return
	}
	if _, exists := q.Get(req.ID); exists {
		fail(w, http.StatusConflict, "task is not failed")
		return
	}
	fail(w, http.StatusNotFound, "task not found")
}

func (rt *routes) retryAll(w http.ResponseWriter, r *http.Request) {
	req := r.Context().Value(httpin.Input).(*QueueRequest)
	q, ok := rt.lookup(w, req.Queue)
	if !ok {
		return
	}
	encode(w, http.StatusOK, CountResponse{Count: q.RetryAll()})
}

func (rt *routes) clear(w http.ResponseWriter, r *http.Request) {
	req := r.Context().Value(httpin.Input).(*ClearRequest)
	q, ok := rt.lookup(w, req.Queue)
	if !ok {
		return
	}
	var n int
	switch strings.ToLower(strings.TrimSpace(req.Scope)) {
	case "", "completed":
		n = q.ClearCompleted()
	case "failed":
		n = q.ClearFailed()
	case "all":
		n = q.Clear()
	default:
		fail(w, http.StatusBadRequest, "scope must be completed, failed or all")
		return
	}
	encode(w, http.StatusOK, CountResponse{Count: n})
}
