// Package render turns measurement snapshots into the HTML fragments pushed
// to the client.
//
// The page works without JavaScript: fragments are appended to a single
// streamed document and each one references the next download image, so
// the browser keeps the test going by loading images.
package render

import (
	"bytes"
	"embed"
	"html/template"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/m-lab/livespeed-server/live/estimator"
)

//go:embed templates/*.html
var templates embed.FS

//go:embed static/favicon.png
var favicon []byte

// Favicon returns the PNG icon of the site. The caller MUST NOT modify it.
func Favicon() []byte {
	return favicon
}

// Renderer renders every fragment and page served by the handlers.
type Renderer interface {
	Index(id uuid.UUID) ([]byte, error)
	Start(d StartData) ([]byte, error)
	Progress(d ProgressData) ([]byte, error)
	Finish(d FinishData) ([]byte, error)
	Results(d ResultsData) ([]byte, error)
	Privacy() ([]byte, error)
}

// StartData is rendered when the download test begins.
type StartData struct {
	ID       uuid.UUID
	Duration time.Duration
	// NextSize is the size of the first chunk to fetch.
	NextSize int
	// Timestamp is the time since the test start, in seconds, at which the
	// fragment was rendered. The client echoes it back.
	Timestamp float64
}

// ProgressData is rendered after each accepted download chunk.
type ProgressData struct {
	ID uuid.UUID
	// Counter is the sequence number of the next chunk.
	Counter   int64
	NextSize  int
	Timestamp float64
	Download  string
	Latency   string
	Elapsed   time.Duration
}

// FinishData is rendered once the download test has ended.
type FinishData struct {
	Download      string
	Latency       string
	LatencyMedian string
	LatencyP90    string
	Samples       int
}

// ResultsData is rendered as the results page.
type ResultsData struct {
	Download string
	Upload   string
	Latency  string
}

// HTML renders fragments with html/template.
type HTML struct {
	tmpl          *template.Template
	maxUploadSize string
}

// NewHTML parses the embedded templates. maxUploadSize is shown next to the
// upload form.
func NewHTML(maxUploadSize int64) (*HTML, error) {
	tmpl, err := template.ParseFS(templates, "templates/*.html")
	if err != nil {
		return nil, err
	}
	return &HTML{
		tmpl:          tmpl,
		maxUploadSize: estimator.FormatBytes(maxUploadSize),
	}, nil
}

func (h *HTML) execute(name string, data interface{}) ([]byte, error) {
	buf := &bytes.Buffer{}
	if err := h.tmpl.ExecuteTemplate(buf, name, data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func timestamp(ts float64) string {
	return strconv.FormatFloat(ts, 'f', 6, 64)
}

// Index renders the top of the streamed page.
func (h *HTML) Index(id uuid.UUID) ([]byte, error) {
	return h.execute("index.html", struct{ ID string }{id.String()})
}

// Start renders the fragment that starts fetching download chunks.
func (h *HTML) Start(d StartData) ([]byte, error) {
	return h.execute("start.html", struct {
		ID        string
		Seconds   int64
		NextSize  int
		Timestamp string
	}{
		ID:        d.ID.String(),
		Seconds:   int64(d.Duration / time.Second),
		NextSize:  d.NextSize,
		Timestamp: timestamp(d.Timestamp),
	})
}

// Progress renders the current averages and the next chunk to fetch.
func (h *HTML) Progress(d ProgressData) ([]byte, error) {
	return h.execute("progress.html", struct {
		ID        string
		Counter   int64
		Previous  int64
		NextSize  int
		Timestamp string
		Download  string
		Latency   string
		Elapsed   string
	}{
		ID:        d.ID.String(),
		Counter:   d.Counter,
		Previous:  d.Counter - 1,
		NextSize:  d.NextSize,
		Timestamp: timestamp(d.Timestamp),
		Download:  d.Download,
		Latency:   d.Latency,
		Elapsed:   estimator.FormatSeconds(d.Elapsed.Seconds()),
	})
}

// Finish renders the final download results and the upload form.
func (h *HTML) Finish(d FinishData) ([]byte, error) {
	return h.execute("finish.html", struct {
		FinishData
		MaxUploadSize string
	}{d, h.maxUploadSize})
}

// Results renders the results page.
func (h *HTML) Results(d ResultsData) ([]byte, error) {
	return h.execute("results.html", d)
}

// Privacy renders the privacy page.
func (h *HTML) Privacy() ([]byte, error) {
	return h.execute("privacy.html", nil)
}
