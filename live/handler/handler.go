// Package handler implements the HTTP endpoints of the live speed test.
//
// A client keeps one response open (the stream) for the whole test and
// drives the test with short image requests that carry its session id.
// Results travel back on the stream.
package handler

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/m-lab/livespeed-server/live/payload"
	"github.com/m-lab/livespeed-server/live/push"
	"github.com/m-lab/livespeed-server/live/render"
	"github.com/m-lab/livespeed-server/live/session"
	"github.com/m-lab/livespeed-server/live/spec"
	"github.com/m-lab/livespeed-server/live/timer"
	"github.com/m-lab/livespeed-server/logging"
	"github.com/m-lab/livespeed-server/metrics"
	"github.com/m-lab/livespeed-server/redis"
)

// Monitor lets operators observe running tests and stop them. It is
// implemented by *redis.Client.
type Monitor interface {
	SetProgress(ctx context.Context, id string, p *redis.Progress) error
	GetTerminationFlag(ctx context.Context, id string) (int, error)
}

// Config configures a Handler.
type Config struct {
	Registry *session.Registry
	Pool     *payload.Pool
	Renderer render.Renderer
	// Monitor is optional.
	Monitor Monitor

	TestDuration  time.Duration
	MaxLifetime   time.Duration
	MaxUploadSize int64
}

// Handler serves the live speed test.
type Handler struct {
	registry *session.Registry
	pool     *payload.Pool
	renderer render.Renderer
	monitor  Monitor
	timers   *timer.Scheduler
	upgrader websocket.Upgrader

	testDuration  time.Duration
	maxLifetime   time.Duration
	maxUploadSize int64

	// ctx bounds the background work of the handler: test timers and
	// termination watchers.
	ctx      context.Context
	watchers sync.WaitGroup
}

// New creates a handler. Background work stops when ctx is done.
func New(ctx context.Context, c Config) *Handler {
	if c.TestDuration <= 0 {
		c.TestDuration = spec.TestDuration
	}
	if c.MaxLifetime <= 0 {
		c.MaxLifetime = spec.MaxLifetime
	}
	if c.MaxUploadSize <= 0 {
		c.MaxUploadSize = spec.MaxUploadSize
	}
	h := &Handler{
		registry:      c.Registry,
		pool:          c.Pool,
		renderer:      c.Renderer,
		monitor:       c.Monitor,
		testDuration:  c.TestDuration,
		maxLifetime:   c.MaxLifetime,
		maxUploadSize: c.MaxUploadSize,
		ctx:           ctx,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1 << 10,
			WriteBufferSize: 1 << 16,
			CheckOrigin: func(r *http.Request) bool {
				// The page may be served from a different origin than the
				// stream.
				return true
			},
		},
	}
	h.timers = &timer.Scheduler{
		Delay: c.TestDuration,
		Fire: func(ctx context.Context, id uuid.UUID) {
			h.end(ctx, id, "timer")
		},
	}
	return h
}

// Wait blocks until all test timers and termination watchers have returned.
// They return once the handler context is done or their test has ended.
func (h *Handler) Wait() {
	h.timers.Wait()
	h.watchers.Wait()
}

// Mux returns the routes of the server. gate wraps the endpoints that open a
// new stream, typically with access controllers. It may be nil.
func (h *Handler) Mux(gate func(http.Handler) http.Handler) *http.ServeMux {
	if gate == nil {
		gate = func(next http.Handler) http.Handler { return next }
	}
	mux := http.NewServeMux()
	mux.Handle("GET "+spec.IndexURLPath+"{$}", gate(http.HandlerFunc(h.Stream)))
	mux.Handle("GET "+spec.WebSocketURLPath, gate(http.HandlerFunc(h.WebSocket)))
	mux.HandleFunc("GET "+spec.EmptyImageURLPath, h.EmptyImage)
	mux.HandleFunc("GET "+spec.StartURLPath, h.Start)
	mux.HandleFunc("GET "+spec.DownloadURLPath, h.Download)
	mux.HandleFunc("GET "+spec.StopURLPath, h.Stop)
	mux.HandleFunc("POST "+spec.UploadURLPath, h.Upload)
	mux.HandleFunc("GET "+spec.ResultsURLPath, h.Results)
	mux.HandleFunc("GET "+spec.PrivacyURLPath, h.Privacy)
	mux.HandleFunc("GET "+spec.FaviconURLPath, h.Favicon)
	return mux
}

// warnAndClose emits message as a warning and then sends a Bad Request
// response to the client using writer.
func warnAndClose(writer http.ResponseWriter, endpoint, message string) {
	logging.Logger.WithField("endpoint", endpoint).Warn(message)
	metrics.ErrorCount.WithLabelValues(endpoint, "bad-request").Inc()
	writer.Header().Set("Connection", "Close")
	writer.WriteHeader(http.StatusBadRequest)
}

// clientAddr returns the address of the client, preferring the first
// X-Forwarded-For entry set by a proxy in front of the server.
func clientAddr(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
			return ip.String()
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// open registers a new session and queues the top of the page. The returned
// function tears the session down and must run exactly once, when the
// stream closes.
func (h *Handler) open(ctx context.Context, r *http.Request) (*push.Receiver, *log.Entry, func(), error) {
	addr := clientAddr(r)
	id, sender, receiver := h.registry.Insert(addr)
	entry := logging.ForSession(id, addr)
	entry.Info("New connection")
	metrics.ActiveSessions.Inc()
	teardown := func() {
		receiver.Close()
		state, found := h.registry.Remove(id)
		metrics.ActiveSessions.Dec()
		if found {
			metrics.SessionCount.WithLabelValues(outcome(state)).Inc()
		}
		entry.WithField("state", state.String()).Info("Disconnecting")
	}
	page, err := h.renderer.Index(id)
	if err == nil {
		err = sender.Send(ctx, page)
	}
	if err != nil {
		teardown()
		return nil, nil, nil, err
	}
	return receiver, entry, teardown, nil
}

func outcome(s session.State) string {
	switch s {
	case session.Start:
		return "idle"
	case session.Downloading:
		return "aborted"
	default:
		return "completed"
	}
}

// Stream handles the held-open HTML response. It writes every fragment
// pushed to the session as one flushed chunk until the stream ends or the
// client goes away.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.maxLifetime)
	defer cancel()
	receiver, entry, teardown, err := h.open(ctx, r)
	if err != nil {
		logging.Logger.WithError(err).Error("stream: cannot open session")
		metrics.ErrorCount.WithLabelValues("stream", "open").Inc()
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	defer teardown()

	rc := http.NewResponseController(w)
	err = rc.SetWriteDeadline(time.Now().Add(h.maxLifetime))
	if err != nil && !errors.Is(err, http.ErrNotSupported) {
		entry.WithError(err).Warn("stream: cannot extend write deadline")
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)
	for {
		b, ok := receiver.Next(ctx)
		if !ok {
			return
		}
		if _, err := w.Write(b); err != nil {
			entry.WithError(err).Debug("stream: write failed")
			return
		}
		if err := rc.Flush(); err != nil {
			entry.WithError(err).Debug("stream: flush failed")
			return
		}
	}
}
