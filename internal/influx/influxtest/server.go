// Package influxtest provides an in-process fake InfluxDB write endpoint for tests.
package influxtest

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/basekick-labs/logfeed/internal/destination"
	"github.com/basekick-labs/logfeed/internal/ingest"
	"github.com/basekick-labs/logfeed/pkg/models"
	"github.com/klauspost/compress/gzip"
)

// Request is one write received by the server
type Request struct {
	Database  string
	User      string
	Password  string
	Precision string
	Gzipped   bool
	Body      string
	Points    []*models.Point
}

// Server records writes and can be told to fail them
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	requests []Request

	failStatus atomic.Int32
	failAfter  atomic.Int64 // Fail writes once this many succeeded; -1 never
	writes     atomic.Int64
}

// NewServer starts a fake InfluxDB that accepts every write
func NewServer() *Server {
	s := &Server{}
	s.failAfter.Store(-1)

	mux := http.NewServeMux()
	mux.HandleFunc("/write", s.handleWrite)
	mux.HandleFunc("/ping", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	s.Server = httptest.NewServer(mux)
	return s
}

// FailWith makes every following write answer with status
func (s *Server) FailWith(status int) {
	s.failStatus.Store(int32(status))
	s.failAfter.Store(0)
}

// FailAfter lets n more writes succeed, then answers with status
func (s *Server) FailAfter(n int, status int) {
	s.failStatus.Store(int32(status))
	s.failAfter.Store(s.writes.Load() + int64(n))
}

func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var body io.Reader = r.Body
	gzipped := r.Header.Get("Content-Encoding") == "gzip"
	if gzipped {
		zr, err := gzip.NewReader(r.Body)
		if err != nil {
			http.Error(w, `{"error":"bad gzip"}`, http.StatusBadRequest)
			return
		}
		defer zr.Close()
		body = zr
	}

	raw, err := io.ReadAll(body)
	if err != nil {
		http.Error(w, `{"error":"read failed"}`, http.StatusBadRequest)
		return
	}

	attempt := s.writes.Add(1)
	if limit := s.failAfter.Load(); limit >= 0 && attempt > limit {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(int(s.failStatus.Load()))
		w.Write([]byte(`{"error":"database unavailable"}`))
		return
	}

	q := r.URL.Query()
	s.mu.Lock()
	s.requests = append(s.requests, Request{
		Database:  q.Get("db"),
		User:      q.Get("u"),
		Password:  q.Get("p"),
		Precision: q.Get("precision"),
		Gzipped:   gzipped,
		Body:      string(raw),
		Points:    ingest.NewLineProtocolParser().ParseBatch(raw),
	})
	s.mu.Unlock()

	w.WriteHeader(http.StatusNoContent)
}

// Requests returns the accepted writes in arrival order
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// Points returns every accepted point in arrival order
func (s *Server) Points() []*models.Point {
	var points []*models.Point
	for _, r := range s.Requests() {
		points = append(points, r.Points...)
	}
	return points
}

// Attempts returns the number of write requests received, accepted or not
func (s *Server) Attempts() int {
	return int(s.writes.Load())
}

// Descriptor returns a destination descriptor pointing at the server
func (s *Server) Descriptor(name string) destination.Descriptor {
	u, _ := url.Parse(s.URL)
	port, _ := strconv.Atoi(u.Port())
	return destination.Descriptor{
		Name:     name,
		Host:     u.Hostname(),
		Port:     port,
		User:     "writer",
		Password: "secret",
		Database: "telemetry",
	}
}
