// Package restserver implements the restic REST v2 HTTP surface (C6): a
// thin translation layer from restic's REST dialect onto internal/repo,
// routed with the same http.NewServeMux + Go 1.22 method-pattern style the
// upstream OAuth callback server uses.
package restserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/open115/restic-rest-gateway/internal/errs"
	"github.com/open115/restic-rest-gateway/internal/repo"
)

const (
	listContentType = "application/vnd.x.restic.rest.v2"
	blobContentType = "application/octet-stream"
)

// Server adapts HTTP requests onto a *repo.Repo.
type Server struct {
	repo       *repo.Repo
	httpClient *http.Client
	logger     *slog.Logger
}

// New builds a Server. httpClient is used only to fetch the actual object
// bytes from the time-limited download URLs repo.DownloadURL returns; if
// nil a default client with a generous timeout is used.
func New(r *repo.Repo, httpClient *http.Client, logger *slog.Logger) *Server {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Minute}
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Server{repo: r, httpClient: httpClient, logger: logger}
}

// Handler builds the routed http.Handler for the repository surface.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /{$}", s.handleInit)
	mux.HandleFunc("DELETE /{$}", s.handleDeleteRepo)

	mux.HandleFunc("HEAD /config", s.handleHeadConfig)
	mux.HandleFunc("GET /config", s.handleGetConfig)
	mux.HandleFunc("POST /config", s.handlePostConfig)

	mux.HandleFunc("GET /{type}/", s.handleList)

	mux.HandleFunc("HEAD /{type}/{name}", s.handleHead)
	mux.HandleFunc("GET /{type}/{name}", s.handleGet)
	mux.HandleFunc("POST /{type}/{name}", s.handlePost)
	mux.HandleFunc("DELETE /{type}/{name}", s.handleDelete)

	return s.withRequestLog(mux)
}

// statusWriter wraps http.ResponseWriter to capture the status code and
// byte count for the access log line, without affecting the body written
// to the client.
type statusWriter struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}

	n, err := w.ResponseWriter.Write(b)
	w.bytes += int64(n)

	return n, err
}

// withRequestLog mints a correlation id per inbound request (the upstream
// API supplies none of its own to echo back) and logs method, path,
// status, duration, and response size once the request completes.
func (s *Server) withRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()
		w.Header().Set("X-Request-Id", requestID)

		sw := &statusWriter{ResponseWriter: w}
		start := time.Now()

		next.ServeHTTP(sw, r)

		s.logger.Info("request",
			slog.String("request_id", requestID),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", sw.status),
			slog.String("size", humanize.Bytes(uint64(sw.bytes))),
			slog.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Server) handleInit(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("create") != "true" {
		writeError(w, errs.New(errs.BadRequest, "POST / requires create=true"))

		return
	}

	if err := s.repo.InitRepo(r.Context()); err != nil {
		writeError(w, err)

		return
	}

	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleDeleteRepo(w http.ResponseWriter, _ *http.Request) {
	http.Error(w, "repository deletion is not supported", http.StatusNotImplemented)
}

func (s *Server) handleHeadConfig(w http.ResponseWriter, r *http.Request) {
	s.head(w, r, repo.ConfigType, "")
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	s.get(w, r, repo.ConfigType, "")
}

func (s *Server) handlePostConfig(w http.ResponseWriter, r *http.Request) {
	s.post(w, r, repo.ConfigType, "")
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	typ := r.PathValue("type")

	nodes, err := s.repo.List(r.Context(), typ)
	if err != nil {
		writeError(w, err)

		return
	}

	type entry struct {
		Name string `json:"name"`
		Size int64  `json:"size"`
	}

	out := make([]entry, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, entry{Name: n.Name, Size: n.Size})
	}

	w.Header().Set("Content-Type", listContentType)
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(out)
}

func (s *Server) handleHead(w http.ResponseWriter, r *http.Request) {
	s.head(w, r, r.PathValue("type"), r.PathValue("name"))
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	s.get(w, r, r.PathValue("type"), r.PathValue("name"))
}

func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	s.post(w, r, r.PathValue("type"), r.PathValue("name"))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	typ, name := r.PathValue("type"), r.PathValue("name")

	if err := s.repo.Delete(r.Context(), typ, name); err != nil {
		writeError(w, err)

		return
	}

	w.WriteHeader(http.StatusOK)
}

func (s *Server) head(w http.ResponseWriter, r *http.Request, typ, name string) {
	node, err := s.repo.Resolve(r.Context(), typ, name)
	if err != nil {
		writeError(w, err)

		return
	}

	if node == nil {
		w.WriteHeader(http.StatusNotFound)

		return
	}

	w.Header().Set("Content-Type", blobContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(node.Size, 10))
	w.WriteHeader(http.StatusOK)
}

func (s *Server) get(w http.ResponseWriter, r *http.Request, typ, name string) {
	node, err := s.repo.Resolve(r.Context(), typ, name)
	if err != nil {
		writeError(w, err)

		return
	}

	if node == nil {
		w.WriteHeader(http.StatusNotFound)

		return
	}

	rangeHeader := r.Header.Get("Range")

	start, end, ranged, err := repo.ParseRange(rangeHeader, node.Size)
	if err != nil {
		if errors.Is(err, errs.UnsatisfiableRange) {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", node.Size))
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)

			return
		}

		writeError(w, err)

		return
	}

	downloadURL, err := s.repo.DownloadURL(r.Context(), node.PickCode)
	if err != nil {
		writeError(w, err)

		return
	}

	upstreamReq, err := http.NewRequestWithContext(r.Context(), http.MethodGet, downloadURL, nil)
	if err != nil {
		writeError(w, errs.New(errs.Internal, "building download request: %v", err))

		return
	}

	if ranged {
		upstreamReq.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end))
	}

	resp, err := s.httpClient.Do(upstreamReq)
	if err != nil {
		writeError(w, errs.New(errs.UpstreamTransport, "fetching object body: %v", err))

		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		writeError(w, errs.New(errs.UpstreamTransport, "object fetch returned status %d", resp.StatusCode))

		return
	}

	w.Header().Set("Content-Type", blobContentType)

	if ranged {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, node.Size))
		w.Header().Set("Content-Length", strconv.FormatInt(end-start+1, 10))
		w.WriteHeader(http.StatusPartialContent)
	} else {
		w.Header().Set("Content-Length", strconv.FormatInt(node.Size, 10))
		w.WriteHeader(http.StatusOK)
	}

	if _, err := io.Copy(w, resp.Body); err != nil {
		s.logger.Warn("streaming object body failed", slog.String("error", err.Error()))
	}
}

func (s *Server) post(w http.ResponseWriter, r *http.Request, typ, name string) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, errs.New(errs.IO, "reading request body: %v", err))

		return
	}

	if err := s.repo.Write(r.Context(), typ, name, body); err != nil {
		writeError(w, err)

		return
	}

	w.WriteHeader(http.StatusOK)
}

func writeError(w http.ResponseWriter, err error) {
	status := errs.HTTPStatus(err)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
