// Package spec contains constants shared by the live measurement server.
package spec

import "time"

// IndexURLPath opens the held-open result stream and serves the test page.
const IndexURLPath = "/"

// WebSocketURLPath opens a held-open result stream delivered over WebSocket.
const WebSocketURLPath = "/ws"

// EmptyImageURLPath is an empty image the page loads to reset click state.
const EmptyImageURLPath = "/empty.jpg"

// StartURLPath begins the download test for a session.
const StartURLPath = "/{id}/start.jpg"

// DownloadURLPath fetches one download chunk for a session.
const DownloadURLPath = "/{id}/download.bmp"

// StopURLPath ends the download test for a session before the timer fires.
const StopURLPath = "/{id}/stop.jpg"

// UploadURLPath receives the multipart upload form.
const UploadURLPath = "/upload"

// ResultsURLPath renders the final results page.
const ResultsURLPath = "/results"

// PrivacyURLPath renders the privacy page.
const PrivacyURLPath = "/privacy"

// FaviconURLPath selects the site icon.
const FaviconURLPath = "/favicon.png"

// SecWebSocketProtocol is the WebSocket subprotocol of the /ws stream.
const SecWebSocketProtocol = "net.measurementlab.livespeed.v1"

// TestDuration is the default duration of the download test.
const TestDuration = 15 * time.Second

// PushCapacity is the default number of fragments buffered per session.
const PushCapacity = 128

// RegistryShards is the default number of lock stripes in the registry.
const RegistryShards = 64

// WeightUnit is the number of bytes that count as one unit of bandwidth
// sample weight. A sample of WeightUnit bytes arriving one second into the
// test has weight 1.
const WeightUnit = 1_000_000

// StartSize is the size of the first download chunk.
const StartSize = 1_000_000

// downloadSizes is the schedule of chunk sizes after the first one. The last
// entry repeats for the rest of the test.
var downloadSizes = []int{
	10_000_000,
	25_000_000,
	50_000_000,
	75_000_000,
	100_000_000,
}

// NextSize returns the size of the chunk following the chunk with the given
// sequence number.
func NextSize(counter int64) int {
	if counter < 0 {
		return StartSize
	}
	if counter >= int64(len(downloadSizes)) {
		return downloadSizes[len(downloadSizes)-1]
	}
	return downloadSizes[counter]
}

// Dimensions of the pseudo-random bitmap served as download payload. The
// product PoolWidth*PoolHeight*PoolBitDepth/8 must equal PoolSize.
const (
	PoolWidth    = 5_000
	PoolHeight   = 5_000
	PoolBitDepth = 32
	PoolSize     = 100_000_000
)

// MaxUploadSize is the default maximum size of an uploaded file.
const MaxUploadSize = 100_000_000

// MaxLifetime bounds how long a held-open stream may stay connected.
const MaxLifetime = 10 * time.Minute

// TerminationPoll* configure the memoryless ticker used to poll the
// termination flag of running tests.
const (
	MinTerminationPoll      = 100 * time.Millisecond
	ExpectedTerminationPoll = 250 * time.Millisecond
	MaxTerminationPoll      = 500 * time.Millisecond
)
