// Package logging contains data structures useful to implement logging
// across livespeed-server in a Docker friendly way.
package logging

import (
	golog "log"
	"net/http"
	"os"

	"github.com/apex/log"
	"github.com/apex/log/handlers/json"
	"github.com/google/uuid"
	"github.com/gorilla/handlers"
)

// Logger is a logger that logs messages on the standard error
// in a structured JSON format, to simplify processing. Emitting logs
// on the standard error is consistent with the standard practices
// when dockerising an Apache or Nginx instance.
var Logger = log.Logger{
	Handler: json.New(os.Stderr),
	Level:   log.DebugLevel,
}

// ForSession returns an entry that tags every message with the session id
// and the client address.
func ForSession(id uuid.UUID, addr string) *log.Entry {
	return Logger.WithFields(log.Fields{
		"uuid": id.String(),
		"addr": addr,
	})
}

// MakeAccessLogHandler wraps |handler| with another handler that logs
// access to each resource on the standard output. Access logs use the
// Apache common log format rather than JSON.
func MakeAccessLogHandler(handler http.Handler) http.Handler {
	return handlers.LoggingHandler(golog.Writer(), handler)
}
