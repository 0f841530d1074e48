// Package client is a simplified live speed test client. It plays the part
// of the browser: it follows the fragments pushed on the stream, fetches the
// images they reference and finally posts the upload form.
package client

import (
	"bytes"
	"errors"
	"fmt"
	"html"
	"io"
	"math/rand"
	"mime/multipart"
	"net/http"
	"net/url"
	"regexp"
	"time"

	"github.com/apex/log"
	"github.com/dustin/go-humanize"
	"github.com/gorilla/websocket"

	"github.com/m-lab/livespeed-server/live/spec"
)

// defaultTimeout is the default I/O timeout.
const defaultTimeout = 7 * time.Second

var (
	startRe    = regexp.MustCompile(`/([0-9a-f-]{36})/start\.jpg`)
	downloadRe = regexp.MustCompile(`src="(/[0-9a-f-]{36}/download\.bmp\?[^"]+)"`)
	downloadIn = regexp.MustCompile(`name="download" value="([^"]*)"`)
	latencyIn  = regexp.MustCompile(`name="latency" value="([^"]*)"`)
	finishRe   = regexp.MustCompile(`action="/upload"`)
)

// ErrProtocol indicates that the server sent something unexpected.
var ErrProtocol = errors.New("client: unexpected server message")

// Result holds the human readable results of a test.
type Result struct {
	Download string
	Upload   string
	Latency  string
}

// Client is a simplified live speed test client.
type Client struct {
	// Dialer is the WebSocket dialer.
	Dialer websocket.Dialer

	// HTTP performs the image and upload requests.
	HTTP *http.Client

	// URL is the base URL of the server, e.g. http://localhost:8080.
	URL url.URL

	// UploadSize is the size of the file posted for the upload test.
	UploadSize int
}

func (cl *Client) httpClient() *http.Client {
	if cl.HTTP != nil {
		return cl.HTTP
	}
	return &http.Client{Timeout: time.Minute}
}

func (cl *Client) resolve(path string) string {
	u := cl.URL
	ref, err := url.Parse(path)
	if err != nil {
		return ""
	}
	return u.ResolveReference(ref).String()
}

func (cl *Client) get(path string) (int64, error) {
	resp, err := cl.httpClient().Get(cl.resolve(path))
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	n, err := io.Copy(io.Discard, resp.Body)
	if err == nil && resp.StatusCode >= 400 {
		err = fmt.Errorf("client: GET %s: %s", path, resp.Status)
	}
	return n, err
}

// Download runs the download test over the WebSocket stream and returns the
// download rate and latency reported by the server.
func (cl *Client) Download() (Result, error) {
	u := cl.URL
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = spec.WebSocketURLPath
	log.Infof("Creating a WebSocket connection to: %s", u.String())
	headers := http.Header{}
	headers.Add("Sec-WebSocket-Protocol", spec.SecWebSocketProtocol)
	cl.Dialer.HandshakeTimeout = defaultTimeout
	conn, _, err := cl.Dialer.Dial(u.String(), headers)
	if err != nil {
		return Result{}, err
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(defaultTimeout))
	_, page, err := conn.ReadMessage()
	if err != nil {
		return Result{}, err
	}
	m := startRe.FindSubmatch(page)
	if m == nil {
		return Result{}, fmt.Errorf("%w: no session id in page", ErrProtocol)
	}
	id := string(m[1])
	log.WithField("uuid", id).Info("Starting download")
	if _, err := cl.get("/" + id + "/start.jpg"); err != nil {
		return Result{}, err
	}

	var total int64
	var result Result
	for {
		conn.SetReadDeadline(time.Now().Add(spec.MaxLifetime))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return result, err
			}
			break
		}
		if finishRe.Match(msg) {
			result.Download = attr(downloadIn, msg)
			result.Latency = attr(latencyIn, msg)
			continue
		}
		if m := downloadRe.FindSubmatch(msg); m != nil {
			n, err := cl.get(html.UnescapeString(string(m[1])))
			if err != nil {
				log.WithError(err).Warn("download chunk failed")
				continue
			}
			total += n
			log.Infof("Downloaded %s so far", humanize.Bytes(uint64(total)))
		}
	}
	if result.Download == "" {
		return result, fmt.Errorf("%w: stream ended without results", ErrProtocol)
	}
	log.WithField("download", result.Download).Info("Download complete")
	return result, nil
}

func attr(re *regexp.Regexp, b []byte) string {
	m := re.FindSubmatch(b)
	if m == nil {
		return ""
	}
	return html.UnescapeString(string(m[1]))
}

// Upload posts the upload form carrying the results of a download test and
// returns all three results from the redirect the server answers with.
func (cl *Client) Upload(r Result) (Result, error) {
	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	mw.WriteField("download", r.Download)
	mw.WriteField("latency", r.Latency)
	fw, err := mw.CreateFormFile("file", "upload.bin")
	if err != nil {
		return r, err
	}
	data := make([]byte, cl.UploadSize)
	rand.Read(data)
	fw.Write(data)
	if err := mw.Close(); err != nil {
		return r, err
	}

	hc := *cl.httpClient()
	hc.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	log.Infof("Uploading %s", humanize.Bytes(uint64(cl.UploadSize)))
	resp, err := hc.Post(cl.resolve(spec.UploadURLPath), mw.FormDataContentType(), body)
	if err != nil {
		return r, err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusSeeOther {
		return r, fmt.Errorf("client: upload: %s", resp.Status)
	}
	loc, err := resp.Location()
	if err != nil {
		return r, err
	}
	q := loc.Query()
	r.Upload = q.Get("upload")
	log.WithField("upload", r.Upload).Info("Upload complete")
	return r, nil
}
