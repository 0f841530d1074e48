// Package upload measures the upload direction by timing how long it takes
// to receive a file posted by the client.
package upload

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"time"
)

// ErrIncomplete is returned when the upload form lacks a required field.
var ErrIncomplete = errors.New("upload: incomplete form")

const bufferSize = 1 << 16

// Ingest reads r until EOF and returns the time from the call to the last
// chunk read, together with the number of bytes read.
func Ingest(r io.Reader) (time.Duration, int64, error) {
	return ingest(time.Now(), r)
}

func ingest(start time.Time, r io.Reader) (time.Duration, int64, error) {
	var (
		buf     = make([]byte, bufferSize)
		total   int64
		elapsed time.Duration
	)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			total += int64(n)
			elapsed = time.Since(start)
		}
		if err == io.EOF {
			return elapsed, total, nil
		}
		if err != nil {
			return elapsed, total, err
		}
	}
}

// Form is the content of the upload form. Download and Latency carry the
// results of the download test forward to the results page.
type Form struct {
	Download string
	Latency  string
	Elapsed  time.Duration
	Bytes    int64
}

// ReadForm consumes a multipart upload. The upload is timed from the call,
// so the time spent receiving the preceding fields counts as part of it.
func ReadForm(mr *multipart.Reader) (Form, error) {
	start := time.Now()
	var form Form
	var hasDownload, hasLatency, hasFile bool
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return Form{}, fmt.Errorf("upload: reading part: %w", err)
		}
		switch part.FormName() {
		case "download":
			form.Download, err = readText(part)
			hasDownload = err == nil
		case "latency":
			form.Latency, err = readText(part)
			hasLatency = err == nil
		case "file":
			form.Elapsed, form.Bytes, err = ingest(start, part)
			hasFile = err == nil && form.Bytes > 0
		default:
			_, err = io.Copy(io.Discard, part)
		}
		part.Close()
		if err != nil {
			return Form{}, fmt.Errorf("upload: reading %q: %w", part.FormName(), err)
		}
	}
	if !hasDownload || !hasLatency || !hasFile {
		return Form{}, ErrIncomplete
	}
	return form, nil
}

// Text fields only carry short formatted values.
const maxTextSize = 256

func readText(r io.Reader) (string, error) {
	b, err := io.ReadAll(io.LimitReader(r, maxTextSize))
	return string(b), err
}
