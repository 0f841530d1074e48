package logging

import (
	"bytes"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"testing"

	apexlog "github.com/apex/log"
	jsonhandler "github.com/apex/log/handlers/json"
	"github.com/google/uuid"
	"github.com/m-lab/go/httpx"
	"github.com/m-lab/go/rtx"
)

type fakeHandler struct{}

func (s *fakeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(200)
}

func TestMakeAccessLogHandler(t *testing.T) {
	buff := &bytes.Buffer{}
	old := log.Writer()
	defer func() {
		log.SetOutput(old)
	}()
	log.SetOutput(buff)
	f := MakeAccessLogHandler(&fakeHandler{})
	log.SetOutput(old)
	srv := http.Server{
		Addr:    "127.0.0.1:0",
		Handler: f,
	}
	rtx.Must(httpx.ListenAndServeAsync(&srv), "Could not start server")
	defer srv.Close()
	resp, err := http.Get("http://" + srv.Addr + "/results")
	rtx.Must(err, "Could not get")
	resp.Body.Close()
	s, _ := buff.ReadString('\n')
	if !strings.Contains(s, "GET /results") {
		t.Errorf("access log line %q does not mention the request", s)
	}
}

func TestForSession(t *testing.T) {
	buff := &bytes.Buffer{}
	old := Logger.Handler
	defer func() {
		Logger.Handler = old
	}()
	Logger.Handler = jsonhandler.New(buff)

	id := uuid.New()
	ForSession(id, "192.0.2.1").Info("New connection")

	var entry struct {
		Fields  apexlog.Fields `json:"fields"`
		Message string         `json:"message"`
	}
	rtx.Must(json.Unmarshal(buff.Bytes(), &entry), "Could not parse log line %q", buff.String())
	if entry.Message != "New connection" {
		t.Errorf("message = %q", entry.Message)
	}
	if entry.Fields["uuid"] != id.String() || entry.Fields["addr"] != "192.0.2.1" {
		t.Errorf("fields = %v", entry.Fields)
	}
}
