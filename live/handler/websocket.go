package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/apex/log"
	"github.com/gorilla/websocket"
	"github.com/m-lab/go/warnonerror"

	"github.com/m-lab/livespeed-server/live/spec"
	"github.com/m-lab/livespeed-server/logging"
	"github.com/m-lab/livespeed-server/metrics"
)

// WebSocket handles the held-open stream for clients that prefer WebSocket
// over a chunked response. Every fragment becomes one text message and the
// end of the stream becomes a normal close.
func (h *Handler) WebSocket(w http.ResponseWriter, r *http.Request) {
	logging.Logger.Debug("websocket: upgrading to WebSockets")
	if r.Header.Get("Sec-WebSocket-Protocol") != spec.SecWebSocketProtocol {
		warnAndClose(w, "websocket", "websocket: missing Sec-WebSocket-Protocol in request")
		return
	}
	headers := http.Header{}
	headers.Add("Sec-WebSocket-Protocol", spec.SecWebSocketProtocol)
	conn, err := h.upgrader.Upgrade(w, r, headers)
	if err != nil {
		// Upgrade has already replied to the client.
		logging.Logger.WithError(err).Warn("websocket: cannot UPGRADE to WebSocket")
		metrics.ErrorCount.WithLabelValues("websocket", "upgrade").Inc()
		return
	}
	defer warnonerror.Close(conn, "websocket: ignoring conn.Close result")

	ctx, cancel := context.WithTimeout(h.ctx, h.maxLifetime)
	defer cancel()
	receiver, entry, teardown, err := h.open(ctx, r)
	if err != nil {
		logging.Logger.WithError(err).Error("websocket: cannot open session")
		metrics.ErrorCount.WithLabelValues("websocket", "open").Inc()
		return
	}
	defer teardown()

	// After the upgrade the request context no longer tracks the client, so
	// reading is how we notice that it went away. Reading also processes the
	// control frames, including the reply to our close.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	err = conn.SetWriteDeadline(time.Now().Add(h.maxLifetime))
	if err != nil {
		entry.WithError(err).Warn("websocket: cannot set write deadline")
		return
	}
	for {
		b, ok := receiver.Next(ctx)
		if !ok {
			if ctx.Err() == nil {
				startClosing(conn, entry)
			}
			return
		}
		if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
			entry.WithError(err).Debug("websocket: write failed")
			return
		}
	}
}

// startClosing sends the close message that ends a finished stream.
func startClosing(conn *websocket.Conn, entry *log.Entry) {
	msg := websocket.FormatCloseMessage(
		websocket.CloseNormalClosure, "Done sending")
	d := time.Now().Add(time.Second) // Liveness!
	err := conn.WriteControl(websocket.CloseMessage, msg, d)
	if err != nil {
		entry.WithError(err).Warn("websocket: conn.WriteControl failed")
		return
	}
	entry.Debug("websocket: sending Close message")
}
