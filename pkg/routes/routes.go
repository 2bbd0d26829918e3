// Package routes serves the relay's status API.
package routes

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kabili207/meshrelay/pkg/lifecycle"
	_ "github.com/kabili207/meshrelay/pkg/metrics"
	"github.com/kabili207/meshrelay/pkg/models"
	"github.com/kabili207/meshrelay/pkg/radio"
)

const shutdownTimeout = 5 * time.Second

// Lifecycle is the connection manager's read-only surface.
type Lifecycle interface {
	State() lifecycle.State
	LastError() error
	LastProbe() time.Time
	IsReconnecting() bool
}

// Radio reports the active backend.
type Radio interface {
	Active() radio.Backend
	IsReady() bool
}

type QueueDepth interface {
	Len() int
}

type NodeCounter interface {
	KnownNodes(ctx context.Context) (int, error)
}

// StatusRouter serves /api/status, /api/events, /healthz and /metrics. Any
// nil source is left out of the status document.
type StatusRouter struct {
	Lifecycle Lifecycle
	Radio     Radio
	Queue     QueueDepth
	Nodes     NodeCounter
	Clients   models.GatewayClients
	Notifier  *Notifier
	// Heartbeat is the SSE keepalive interval
	Heartbeat time.Duration

	log *slog.Logger
}

func NewStatusRouter(log *slog.Logger) *StatusRouter {
	if log == nil {
		log = slog.Default()
	}
	return &StatusRouter{
		Notifier: NewNotifier(),
		log:      log.With("component", "http"),
	}
}

// Status is the document served by /api/status and streamed on /api/events.
type Status struct {
	State        lifecycle.State         `json:"state"`
	Ready        bool                    `json:"ready"`
	Backend      string                  `json:"backend,omitempty"`
	Reconnecting bool                    `json:"reconnecting"`
	LastError    string                  `json:"last_error,omitempty"`
	LastProbe    *time.Time              `json:"last_probe,omitempty"`
	QueueDepth   int                     `json:"queue_depth"`
	KnownNodes   *int                    `json:"known_nodes,omitempty"`
	Clients      []*models.ClientDetails `json:"clients"`
}

// Snapshot collects the current status document.
func (sr *StatusRouter) Snapshot(ctx context.Context) Status {
	st := Status{Clients: []*models.ClientDetails{}}
	if sr.Lifecycle != nil {
		st.State = sr.Lifecycle.State()
		st.Reconnecting = sr.Lifecycle.IsReconnecting()
		if err := sr.Lifecycle.LastError(); err != nil {
			st.LastError = err.Error()
		}
		if t := sr.Lifecycle.LastProbe(); !t.IsZero() {
			st.LastProbe = &t
		}
	}
	if sr.Radio != nil {
		st.Ready = sr.Radio.IsReady()
		if b := sr.Radio.Active(); b != nil {
			st.Backend = b.Name()
		}
	}
	if sr.Queue != nil {
		st.QueueDepth = sr.Queue.Len()
	}
	if sr.Nodes != nil {
		if n, err := sr.Nodes.KnownNodes(ctx); err == nil {
			st.KnownNodes = &n
		} else {
			sr.log.Debug("unable to count nodes", "error", err)
		}
	}
	if sr.Clients != nil {
		st.Clients = sr.Clients.ConnectedClients()
	}
	return st
}

// Handler builds the router with its middleware.
func (sr *StatusRouter) Handler() http.Handler {
	myRouter := mux.NewRouter().StrictSlash(true)

	myRouter.HandleFunc("/api/status", sr.getStatus).Methods("GET")
	myRouter.HandleFunc("/api/events", sr.statusSSE).Methods("GET")
	myRouter.HandleFunc("/healthz", sr.healthz).Methods("GET")
	myRouter.Handle("/metrics", promhttp.Handler()).Methods("GET")

	myRouter.Use(handlers.ProxyHeaders)
	myRouter.Use(sr.RequestLogger)
	h := handlers.RecoveryHandler()
	return h(myRouter)
}

// Serve listens on addr until ctx is cancelled.
func (sr *StatusRouter) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           sr.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		sr.log.Info("status API listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (sr *StatusRouter) RequestLogger(h http.Handler) http.Handler {
	fn := func(w http.ResponseWriter, r *http.Request) {
		sr.log.Debug("endpoint hit", "method", r.Method, "path", r.URL.Path, "remote_host", r.RemoteAddr, "user_agent", r.UserAgent())
		h.ServeHTTP(w, r)
	}
	return http.HandlerFunc(fn)
}

func (sr *StatusRouter) getStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(sr.Snapshot(r.Context())); err != nil {
		sr.log.Error("error encoding status", "error", err)
	}
}

func (sr *StatusRouter) healthz(w http.ResponseWriter, r *http.Request) {
	ready := sr.Radio != nil && sr.Radio.IsReady()
	w.Header().Set("Content-Type", "text/plain")
	if !ready {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("radio not ready\n"))
		return
	}
	_, _ = w.Write([]byte("ok\n"))
}
