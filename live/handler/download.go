package handler

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/apex/log"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/m-lab/go/memoryless"

	"github.com/m-lab/livespeed-server/live/estimator"
	"github.com/m-lab/livespeed-server/live/push"
	"github.com/m-lab/livespeed-server/live/render"
	"github.com/m-lab/livespeed-server/live/session"
	"github.com/m-lab/livespeed-server/live/spec"
	"github.com/m-lab/livespeed-server/logging"
	"github.com/m-lab/livespeed-server/metrics"
	"github.com/m-lab/livespeed-server/redis"
)

// publishTimeout bounds how long a download response waits for the monitor.
const publishTimeout = 250 * time.Millisecond

// noContent answers an image request whose only purpose is its side effect.
func noContent(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusNoContent)
}

// sessionID parses the id path segment, replying 400 when it is malformed.
func sessionID(w http.ResponseWriter, r *http.Request, endpoint string) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		warnAndClose(w, endpoint, endpoint+": malformed session id")
		return uuid.UUID{}, false
	}
	return id, true
}

// offer pushes a fragment without waiting. A full channel drops it.
func offer(sender *push.Sender, fragment string, b []byte) {
	if sender.TrySend(b) {
		metrics.PushCount.WithLabelValues(fragment, "sent").Inc()
		return
	}
	metrics.PushCount.WithLabelValues(fragment, "dropped").Inc()
}

// EmptyImage serves the empty image the page uses to reset its buttons.
func (h *Handler) EmptyImage(w http.ResponseWriter, r *http.Request) {
	noContent(w)
}

// Start begins the download test of a session, pushes the fragment that
// fetches the first chunk and schedules the end of the test. Replayed or
// late start requests do nothing.
func (h *Handler) Start(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r, "start")
	if !ok {
		return
	}
	defer noContent(w)
	sender, start, ok := h.registry.BeginTest(id)
	if !ok {
		return
	}
	addr, _ := h.registry.Addr(id)
	entry := logging.ForSession(id, addr)
	entry.Info("Starting download test")
	metrics.TestCount.WithLabelValues("download", "started").Inc()

	b, err := h.renderer.Start(render.StartData{
		ID:        id,
		Duration:  h.testDuration,
		NextSize:  min(spec.StartSize, h.pool.Len()),
		Timestamp: time.Since(start).Seconds(),
	})
	if err != nil {
		entry.WithError(err).Error("start: cannot render fragment")
	} else if err := sender.Send(r.Context(), b); err != nil {
		entry.WithError(err).Debug("start: cannot push fragment")
		metrics.PushCount.WithLabelValues("start", "closed").Inc()
	} else {
		metrics.PushCount.WithLabelValues("start", "sent").Inc()
	}
	h.timers.Schedule(h.ctx, id)
	if h.monitor != nil {
		h.watchers.Add(1)
		go func() {
			defer h.watchers.Done()
			h.watch(h.ctx, id)
		}()
	}
}

type downloadQuery struct {
	seq  int64
	size int
	ts   float64
}

func (h *Handler) parseDownload(r *http.Request) (downloadQuery, error) {
	var (
		q   downloadQuery
		err error
	)
	values := r.URL.Query()
	if q.seq, err = strconv.ParseInt(values.Get("i"), 10, 64); err != nil || q.seq < 0 {
		return q, errors.New("invalid i")
	}
	if q.size, err = strconv.Atoi(values.Get("size")); err != nil || q.size < 0 || q.size > h.pool.Len() {
		return q, errors.New("invalid size")
	}
	q.ts, err = strconv.ParseFloat(values.Get("ts"), 64)
	if err != nil || q.ts < 0 || math.IsNaN(q.ts) || math.IsInf(q.ts, 0) {
		return q, errors.New("invalid ts")
	}
	return q, nil
}

// Download serves one chunk of the payload, records the latency sample
// carried by the request and the throughput of the chunk, and pushes a
// progress fragment that makes the client fetch the next one.
func (h *Handler) Download(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r, "download")
	if !ok {
		return
	}
	q, err := h.parseDownload(r)
	if err != nil {
		warnAndClose(w, "download", "download: "+err.Error())
		return
	}
	h.registry.ReportRoundTrip(id, q.seq, q.ts)

	// Reserve room for the progress fragment before the slow transfer, so
	// the fragment cannot be lost to a full channel afterwards.
	var permit *push.Permit
	if sender, ok := h.registry.Sender(id); ok {
		permit, err = sender.Reserve(r.Context())
		if err != nil {
			permit = nil
		}
	}
	defer permit.Release()

	rc := http.NewResponseController(w)
	err = rc.SetWriteDeadline(time.Now().Add(h.maxLifetime))
	if err != nil && !errors.Is(err, http.ErrNotSupported) {
		logging.Logger.WithError(err).Warn("download: cannot extend write deadline")
	}
	w.Header().Set("Content-Type", "image/bmp")
	w.Header().Set("Content-Length", strconv.Itoa(q.size))
	w.Header().Set("Cache-Control", "no-store")
	start := time.Now()
	n, err := w.Write(h.pool.Slice(q.size))
	if err == nil {
		err = rc.Flush()
	}
	elapsed := time.Since(start)
	if err != nil {
		logging.Logger.WithError(err).Debug("download: transfer interrupted")
		metrics.ErrorCount.WithLabelValues("download", "interrupted").Inc()
		return
	}

	p, ok := h.registry.ReportChunk(id, q.seq, elapsed, int64(n))
	if !ok {
		// Stale or late chunk: the deferred Release returns the unused slot.
		return
	}
	b, err := h.renderer.Progress(render.ProgressData{
		ID:        id,
		Counter:   q.seq + 1,
		NextSize:  min(spec.NextSize(q.seq), h.pool.Len()),
		Timestamp: time.Since(p.Start).Seconds(),
		Download:  p.Download,
		Latency:   p.LatencyText,
		Elapsed:   p.Elapsed,
	})
	if err != nil {
		logging.Logger.WithError(err).Error("download: cannot render fragment")
		return
	}
	if permit != nil {
		permit.Send(b)
		metrics.PushCount.WithLabelValues("progress", "reserved").Inc()
	} else {
		offer(p.Sender, "progress", b)
	}
	logging.Logger.WithFields(log.Fields{
		"uuid":    id.String(),
		"counter": q.seq,
		"size":    humanize.Bytes(uint64(n)),
		"elapsed": elapsed.String(),
		"average": p.Download,
	}).Debug("download: chunk done")
	h.publish(r.Context(), id, p)
}

// publish hands the latest progress to the monitor, if any.
func (h *Handler) publish(ctx context.Context, id uuid.UUID, p session.Progress) {
	if h.monitor == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	addr, _ := h.registry.Addr(id)
	err := h.monitor.SetProgress(ctx, id.String(), &redis.Progress{
		UUID:      id.String(),
		Addr:      addr,
		Counter:   p.Counter,
		Bandwidth: p.Bandwidth,
		Latency:   p.Latency,
		Elapsed:   p.Elapsed.Seconds(),
	})
	if err != nil {
		logging.Logger.WithError(err).Debug("download: cannot publish progress")
		metrics.ErrorCount.WithLabelValues("download", "publish").Inc()
	}
}

// Stop ends the download test of a session before its timer fires.
func (h *Handler) Stop(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r, "stop")
	if !ok {
		return
	}
	h.end(h.ctx, id, "stopped")
	noContent(w)
}

// end freezes the results of a session, pushes the final fragment and then
// the end-of-stream sentinel. Only the first caller for a session does
// anything; timers, stop requests and watchers race for it freely.
func (h *Handler) end(ctx context.Context, id uuid.UUID, reason string) bool {
	f, ok := h.registry.Finalize(id)
	if !ok {
		return false
	}
	addr, _ := h.registry.Addr(id)
	entry := logging.ForSession(id, addr)
	entry.WithFields(log.Fields{
		"reason":   reason,
		"download": f.Download,
		"latency":  f.LatencyText,
		"samples":  f.Samples,
	}).Info("Download test ended")
	metrics.TestCount.WithLabelValues("download", reason).Inc()
	metrics.TestRate.WithLabelValues("download").Observe(f.Bandwidth / 1e6)

	b, err := h.renderer.Finish(render.FinishData{
		Download:      f.Download,
		Latency:       f.LatencyText,
		LatencyMedian: estimator.FormatSeconds(f.LatencyMedian),
		LatencyP90:    estimator.FormatSeconds(f.LatencyP90),
		Samples:       f.Samples,
	})
	if err != nil {
		entry.WithError(err).Error("end: cannot render fragment")
	} else {
		offer(f.Sender, "finish", b)
	}
	if !h.registry.Finish(ctx, id) {
		entry.Debug("end: stream already gone")
	}
	return true
}

// watch polls the termination flag of a running test until the test ends
// or an operator asks to stop it.
func (h *Handler) watch(ctx context.Context, id uuid.UUID) {
	// A test cannot outlive its timer, so neither can its watcher.
	ctx, cancel := context.WithTimeout(ctx, h.testDuration+spec.MaxTerminationPoll)
	defer cancel()
	ticker, err := memoryless.NewTicker(ctx, memoryless.Config{
		Min:      spec.MinTerminationPoll,
		Expected: spec.ExpectedTerminationPoll,
		Max:      spec.MaxTerminationPoll,
	})
	if err != nil {
		logging.Logger.WithError(err).Warn("watch: memoryless.NewTicker failed")
		return
	}
	defer ticker.Stop()
	for range ticker.C {
		if st, ok := h.registry.State(id); !ok || st != session.Downloading {
			return
		}
		flag, err := h.monitor.GetTerminationFlag(ctx, id.String())
		if err != nil {
			logging.Logger.WithError(err).Debug("watch: cannot read termination flag")
			continue
		}
		if flag == 1 {
			h.end(ctx, id, "terminated")
			return
		}
	}
}
