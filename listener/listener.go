// Package listener starts HTTP servers whose listening socket is fully
// established when the call returns, so it is safe to run an HTTP GET
// against them immediately.
package listener

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/m-lab/livespeed-server/logging"
)

// KeepAlivePeriod is the TCP keep-alive period of accepted connections. Dead
// connections (e.g. closing laptop mid-download) eventually go away.
const KeepAlivePeriod = 3 * time.Minute

var logFatalf = logging.Logger.Fatalf

func serve(server *http.Server, listener net.Listener) {
	err := server.Serve(listener)
	if err != http.ErrServerClosed {
		logFatalf("Error, server %v closed with unexpected error %v", server.Addr, err)
	}
}

// ListenAndServeAsync starts an http server. The server will run until
// Shutdown() or Close() is called, but this function will return once the
// listening socket is established.
//
// Returns a non-nil error if the listening socket can't be established. Logs a
// fatal error if the server dies for a reason besides ErrServerClosed. If the
// server.Addr is set to :0, then after this function returns server.Addr will
// contain the address and port which this server is listening on.
func ListenAndServeAsync(server *http.Server) error {
	lc := net.ListenConfig{KeepAlive: KeepAlivePeriod}
	listener, err := lc.Listen(context.Background(), "tcp", server.Addr)
	if err != nil {
		return err
	}
	if strings.HasSuffix(server.Addr, ":0") {
		// Allow :0 to select a random port. Useful for unit tests.
		server.Addr = listener.Addr().String()
	}
	go serve(server, listener)
	return nil
}
