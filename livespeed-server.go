package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/m-lab/access/token"
	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/prometheusx"
	"github.com/m-lab/go/rtx"
	"github.com/m-lab/go/warnonerror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/m-lab/livespeed-server/access"
	"github.com/m-lab/livespeed-server/listener"
	"github.com/m-lab/livespeed-server/live/handler"
	"github.com/m-lab/livespeed-server/live/payload"
	"github.com/m-lab/livespeed-server/live/render"
	"github.com/m-lab/livespeed-server/live/session"
	"github.com/m-lab/livespeed-server/live/spec"
	"github.com/m-lab/livespeed-server/logging"
	"github.com/m-lab/livespeed-server/redis"
)

var (
	// Flags that can be passed in on the command line
	addr           = flag.String("addr", ":8080", "The address and port to serve the live speed test on")
	testDuration   = flag.Duration("test.duration", spec.TestDuration, "How long a download test runs")
	pushCapacity   = flag.Int("push.capacity", spec.PushCapacity, "How many fragments each stream buffers")
	registryShards = flag.Int("registry.shards", spec.RegistryShards, "Number of independently locked session shards")
	weightUnit     = flag.Float64("weight.unit", spec.WeightUnit, "Bytes per unit when weighting download chunks")
	uploadMaxSize  = flag.Int64("upload.max-size", spec.MaxUploadSize, "Largest accepted upload in bytes")
	maxLifetime    = flag.Duration("session.max-lifetime", spec.MaxLifetime, "Longest a stream may stay open")
	maxSessions    = flag.Int64("max.sessions", 0, "Maximum number of concurrent streams (0 means unlimited)")
	redisAddr      = flag.String("redis.addr", "", "Address of the redis server that monitors tests (empty disables it)")
	txDevice       = flag.String("txcontroller.device", "", "Reject new streams while this device is busy (empty disables it)")
	txMaxRate      = flag.Uint64("txcontroller.max-rate", 0, "Transmit rate in bits per second above which new streams are rejected")
	tokenVerifyKey = flagx.FileBytesArray{}
	tokenRequired  bool
	tokenMachine   string

	// A metric to use to signal that the server is in lame duck mode.
	lameDuck = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lame_duck_experiment",
		Help: "Indicates when the server is in lame duck",
	})

	// Context for the whole program.
	ctx, cancel = context.WithCancel(context.Background())
)

func init() {
	flag.Var(&tokenVerifyKey, "token.verify-key", "Public key for verifying access tokens")
	flag.BoolVar(&tokenRequired, "token.required", false, "Require access token in stream requests")
	flag.StringVar(&tokenMachine, "token.machine", "", "Use given machine name to verify token claims")
}

func catchSigterm() {
	// Disable lame duck status.
	lameDuck.Set(0)

	// Register channel to receive SIGTERM events.
	c := make(chan os.Signal, 1)
	defer close(c)
	signal.Notify(c, syscall.SIGTERM)
	defer signal.Stop(c)

	// Wait until we receive a SIGTERM or the context is canceled.
	select {
	case <-c:
		fmt.Println("Received SIGTERM")
	case <-ctx.Done():
		fmt.Println("Canceled")
	}
	// Set lame duck status. This will remain set until exit.
	lameDuck.Set(1)
	// When we receive a second SIGTERM, cancel the context and shut everything
	// down. This should cause main() to exit cleanly.
	select {
	case <-c:
		fmt.Println("Received SIGTERM")
		cancel()
	case <-ctx.Done():
		fmt.Println("Canceled")
	}
}

// httpServer creates a new *http.Server with explicit Read and Write timeouts.
// Streams and downloads extend their own write deadline.
func httpServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  time.Minute,
		WriteTimeout: time.Minute,
	}
}

// gate builds the access controllers that guard new streams.
func gate(ctx context.Context) func(http.Handler) http.Handler {
	limits := []access.Controller{&access.MaxController{Max: *maxSessions}}
	if *txDevice != "" {
		tx, err := access.NewTxController(*txDevice, *txMaxRate)
		rtx.Must(err, "Failed to create txcontroller")
		go tx.Watch(ctx)
		limits = append(limits, tx)
	}
	if tokenRequired && len(tokenVerifyKey.Get()) == 0 {
		logging.Logger.Fatal("-token.required needs at least one -token.verify-key")
	}
	var tc *access.TokenController
	if len(tokenVerifyKey.Get()) > 0 {
		verifier, err := token.NewVerifier(tokenVerifyKey.Get()...)
		rtx.Must(err, "Failed to load token verifier")
		tc = access.NewTokenController(tokenMachine, tokenRequired, verifier)
	}
	return newGate(tc, limits...)
}

// newGate chains the controllers with tc outermost, so monitoring requests
// are marked before the limits decide whether to reject them.
func newGate(tc *access.TokenController, limits ...access.Controller) func(http.Handler) http.Handler {
	var controllers []access.Controller
	if tc != nil {
		controllers = append(controllers, tc)
	}
	controllers = append(controllers, limits...)
	return func(next http.Handler) http.Handler {
		return access.Chain(next, controllers...)
	}
}

func main() {
	flag.Parse()
	rtx.Must(flagx.ArgsFromEnv(flag.CommandLine), "Could not get args from env")

	// Cancel the context whenever main exits.
	defer cancel()
	go catchSigterm()

	promServer := prometheusx.MustServeMetrics()
	defer warnonerror.Close(promServer, "Could not close the metrics server")

	pool, err := payload.New(spec.PoolWidth, spec.PoolHeight, spec.PoolBitDepth, spec.PoolSize)
	rtx.Must(err, "Could not create the download payload")
	pool.Init()
	renderer, err := render.NewHTML(*uploadMaxSize)
	rtx.Must(err, "Could not parse the page templates")
	registry := session.New(session.Config{
		Shards:     *registryShards,
		Capacity:   *pushCapacity,
		WeightUnit: *weightUnit,
	})

	var monitor handler.Monitor
	if *redisAddr != "" {
		client := redis.NewClient(*redisAddr)
		defer warnonerror.Close(client, "Could not close the redis client")
		monitor = client
	}

	h := handler.New(ctx, handler.Config{
		Registry:      registry,
		Pool:          pool,
		Renderer:      renderer,
		Monitor:       monitor,
		TestDuration:  *testDuration,
		MaxLifetime:   *maxLifetime,
		MaxUploadSize: *uploadMaxSize,
	})
	server := httpServer(*addr, logging.MakeAccessLogHandler(h.Mux(gate(ctx))))
	rtx.Must(listener.ListenAndServeAsync(server), "Could not start the live speed server")
	logging.Logger.WithField("addr", server.Addr).Info("About to listen for live speed tests")

	<-ctx.Done()
	// Closing every stream lets the server shut down without waiting for
	// the tests to end.
	registry.Shutdown()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logging.Logger.WithError(err).Warn("Could not shut down the live speed server")
	}
	h.Wait()
}
