package handler

import (
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/m-lab/livespeed-server/live/estimator"
	"github.com/m-lab/livespeed-server/live/render"
	"github.com/m-lab/livespeed-server/live/spec"
	"github.com/m-lab/livespeed-server/live/upload"
	"github.com/m-lab/livespeed-server/logging"
	"github.com/m-lab/livespeed-server/metrics"
)

// formOverhead is the room left for the text fields and the multipart
// framing on top of the maximum file size.
const formOverhead = 64 << 10

func writeHTML(w http.ResponseWriter, endpoint string, b []byte) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	if _, err := w.Write(b); err != nil {
		logging.Logger.WithError(err).Debug(endpoint + ": write failed")
	}
}

// Upload measures the upload rate from the posted file and redirects to the
// results page with all three results in the query.
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	// The server read timeout would cut slow uploads short.
	err := http.NewResponseController(w).SetReadDeadline(time.Now().Add(h.maxLifetime))
	if err != nil && !errors.Is(err, http.ErrNotSupported) {
		logging.Logger.WithError(err).Warn("upload: cannot extend read deadline")
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadSize+formOverhead)
	mr, err := r.MultipartReader()
	if err != nil {
		warnAndClose(w, "upload", "upload: not a multipart form")
		return
	}
	form, err := upload.ReadForm(mr)
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		logging.Logger.WithError(err).Warn("upload: file too large")
		metrics.ErrorCount.WithLabelValues("upload", "too-large").Inc()
		w.WriteHeader(http.StatusRequestEntityTooLarge)
		return
	}
	if err != nil {
		warnAndClose(w, "upload", "upload: "+err.Error())
		return
	}
	bps, err := estimator.Throughput(form.Elapsed, form.Bytes)
	if err != nil {
		warnAndClose(w, "upload", "upload: "+err.Error())
		return
	}
	metrics.TestCount.WithLabelValues("upload", "completed").Inc()
	metrics.TestRate.WithLabelValues("upload").Observe(bps / 1e6)
	rate := estimator.FormatRate(bps)
	logging.Logger.WithField("addr", clientAddr(r)).WithField("upload", rate).Info("Upload test ended")
	q := url.Values{
		"download": {form.Download},
		"upload":   {rate},
		"latency":  {form.Latency},
	}
	http.Redirect(w, r, spec.ResultsURLPath+"?"+q.Encode(), http.StatusSeeOther)
}

// Results renders the results carried in the query.
func (h *Handler) Results(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	for _, k := range []string{"download", "upload", "latency"} {
		if !q.Has(k) {
			warnAndClose(w, "results", "results: missing "+k)
			return
		}
	}
	b, err := h.renderer.Results(render.ResultsData{
		Download: q.Get("download"),
		Upload:   q.Get("upload"),
		Latency:  q.Get("latency"),
	})
	if err != nil {
		logging.Logger.WithError(err).Error("results: cannot render page")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeHTML(w, "results", b)
}

// Favicon serves the site icon.
func (h *Handler) Favicon(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "public, max-age=86400")
	if _, err := w.Write(render.Favicon()); err != nil {
		logging.Logger.WithError(err).Debug("favicon: write failed")
	}
}

// Privacy renders the privacy page.
func (h *Handler) Privacy(w http.ResponseWriter, r *http.Request) {
	b, err := h.renderer.Privacy()
	if err != nil {
		logging.Logger.WithError(err).Error("privacy: cannot render page")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeHTML(w, "privacy", b)
}
