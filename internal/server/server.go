package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"panoforge/internal/config"
	"panoforge/internal/pipeline"
	"panoforge/internal/staging"
	"panoforge/internal/stitch"
	"panoforge/internal/storage"
)

const minUploadFiles = 2

// pipelineClient is what the gateway needs from the worker pool.
type pipelineClient interface {
	Submit(job pipeline.Job) error
	Subscribe() (<-chan pipeline.Result, func())
}

// Server is the HTTP gateway in front of the processing pipeline. It
// validates uploads, stages them, and blocks each panorama request on
// its pipeline result so the client receives the finished image in the
// response body.
type Server struct {
	addr     string
	cfg      *config.Config
	store    *storage.Store
	pipeline pipelineClient
	staging  *staging.Store
	upgrader websocket.Upgrader
	log      *slog.Logger
	server   *http.Server
}

func NewServer(cfg *config.Config, store *storage.Store, pipe pipelineClient, stage *staging.Store, log *slog.Logger) *Server {
	return &Server{
		addr:     cfg.Server.Addr,
		cfg:      cfg,
		store:    store,
		pipeline: pipe,
		staging:  stage,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log: log,
	}
}

// Start runs the server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	r := mux.NewRouter()
	s.setupRoutes(r)

	s.server = &http.Server{
		Addr:    s.addr,
		Handler: r,
	}

	go func() {
		<-ctx.Done()
		s.log.Info("Shutting down server...")
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(ctxShutdown)
	}()

	s.log.Info("Server starting", "addr", s.addr)
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) setupRoutes(r *mux.Router) {
	r.HandleFunc("/api/v1/panorama", s.handlePanorama).Methods("POST")
	r.HandleFunc("/api/v1/formats", s.handleFormats).Methods("GET")
	r.HandleFunc("/api/v1/stream", s.handleResultStream).Methods("GET")
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/jobs", s.handleJobs).Methods("GET")
}

// Handler exposes the configured router for tests.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	s.setupRoutes(r)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleFormats(w http.ResponseWriter, r *http.Request) {
	payload := map[string]any{
		"formats":            []string{"jpg", "png"},
		"qualities":          []string{"low", "medium", "high"},
		"resolutions":        []string{"2K", "4K", "8K"},
		"max_files":          s.cfg.Upload.MaxFiles,
		"min_files":          minUploadFiles,
		"max_file_size_mb":   s.cfg.Upload.MaxFileSize / (1024 * 1024),
		"allowed_extensions": s.cfg.Upload.AllowedExtensions,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(payload)
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.RecentJobs(100)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(recs)
}

// panoramaParams are the validated request options.
type panoramaParams struct {
	quality    stitch.QualityTier
	format     stitch.OutputFormat
	resolution stitch.ResolutionTier
}

func (s *Server) handlePanorama(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())
		return
	}
	defer r.MultipartForm.RemoveAll()

	params, err := parseParams(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	files := r.MultipartForm.File["images"]
	if err := s.validateFiles(files); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	staged, err := s.stageFiles(files)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	defer s.staging.Unstage(staged)

	outFile, err := os.CreateTemp(s.staging.Dir(), "panorama-*."+string(params.format))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "could not allocate output file")
		return
	}
	outFile.Close()
	output := outFile.Name()
	defer os.Remove(output)

	res, err := s.runJob(r.Context(), staged, output, params)
	if err != nil {
		s.writePipelineError(w, err)
		return
	}

	s.serveResult(w, output, params.format, res)
}

// runJob submits the request to the pipeline and blocks until its
// result arrives. Subscription happens before Submit so the result
// cannot race past us.
func (s *Server) runJob(ctx context.Context, inputs []string, output string, params panoramaParams) (map[string]any, error) {
	resCh, unsubscribe := s.pipeline.Subscribe()
	defer unsubscribe()

	job := pipeline.Job{
		ID:     pipeline.NewID(pipeline.JobPanorama),
		Type:   pipeline.JobPanorama,
		Inputs: inputs,
		Output: output,
		Options: map[string]any{
			"quality":    string(params.quality),
			"format":     string(params.format),
			"resolution": string(params.resolution),
		},
	}

	if err := s.pipeline.Submit(job); err != nil {
		return nil, errBusy
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case res, ok := <-resCh:
			if !ok {
				return nil, errors.New("pipeline stopped")
			}
			if res.Job.ID != job.ID {
				continue
			}
			if res.Error != nil {
				return nil, res.Error
			}
			return res.Meta, nil
		}
	}
}

var errBusy = errors.New("server is busy, try again later")

func (s *Server) serveResult(w http.ResponseWriter, path string, format stitch.OutputFormat, meta map[string]any) {
	data, err := os.ReadFile(path)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "panorama output missing")
		return
	}

	w.Header().Set("Content-Type", format.MediaType())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=panorama_360.%s", format))
	if v, ok := meta["width"]; ok {
		w.Header().Set("X-Panorama-Width", fmt.Sprint(v))
	}
	if v, ok := meta["height"]; ok {
		w.Header().Set("X-Panorama-Height", fmt.Sprint(v))
	}
	if v, ok := meta["strategy"]; ok {
		w.Header().Set("X-Panorama-Strategy", fmt.Sprint(v))
	}
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func parseParams(r *http.Request) (panoramaParams, error) {
	quality, err := stitch.ParseQuality(formDefault(r, "quality", "medium"))
	if err != nil {
		return panoramaParams{}, err
	}
	format, err := stitch.ParseFormat(formDefault(r, "format", "jpg"))
	if err != nil {
		return panoramaParams{}, err
	}
	resolution, err := stitch.ParseResolution(formDefault(r, "resolution", "2K"))
	if err != nil {
		return panoramaParams{}, err
	}
	return panoramaParams{quality: quality, format: format, resolution: resolution}, nil
}

func formDefault(r *http.Request, key, fallback string) string {
	if v := r.FormValue(key); v != "" {
		return v
	}
	return fallback
}

func (s *Server) validateFiles(files []*multipart.FileHeader) error {
	if len(files) < minUploadFiles {
		return fmt.Errorf("at least %d images are required, got %d", minUploadFiles, len(files))
	}
	if len(files) > s.cfg.Upload.MaxFiles {
		return fmt.Errorf("at most %d images are accepted, got %d", s.cfg.Upload.MaxFiles, len(files))
	}
	for _, fh := range files {
		ct := fh.Header.Get("Content-Type")
		if ct != "" && !strings.HasPrefix(ct, "image/") {
			return fmt.Errorf("file %q is not an image (%s)", fh.Filename, ct)
		}
		ext := strings.ToLower(filepath.Ext(fh.Filename))
		if ext != "" && !allowedExt(s.cfg.Upload.AllowedExtensions, ext) {
			return fmt.Errorf("file %q has unsupported extension %s", fh.Filename, ext)
		}
	}
	return nil
}

func allowedExt(allowed []string, ext string) bool {
	for _, a := range allowed {
		if strings.EqualFold(a, ext) {
			return true
		}
	}
	return false
}

func (s *Server) stageFiles(files []*multipart.FileHeader) ([]string, error) {
	uploads := make([]staging.Upload, 0, len(files))
	opened := make([]multipart.File, 0, len(files))
	defer func() {
		for _, f := range opened {
			f.Close()
		}
	}()

	for _, fh := range files {
		f, err := fh.Open()
		if err != nil {
			return nil, fmt.Errorf("could not read upload %q: %w", fh.Filename, err)
		}
		opened = append(opened, f)
		uploads = append(uploads, staging.Upload{Filename: fh.Filename, Content: f})
	}

	return s.staging.Stage(uploads)
}

// writePipelineError maps pipeline failures onto HTTP status codes.
func (s *Server) writePipelineError(w http.ResponseWriter, err error) {
	if errors.Is(err, errBusy) {
		s.writeError(w, http.StatusServiceUnavailable, errBusy.Error())
		return
	}

	var pe *stitch.PipelineError
	if errors.As(err, &pe) {
		switch pe.Kind {
		case stitch.FailureStitch:
			s.writeError(w, http.StatusUnprocessableEntity, pe.Err.Error())
		case stitch.FailureTimeout:
			s.writeError(w, http.StatusGatewayTimeout, pe.Err.Error())
		default:
			s.log.Error("panorama job failed", "error", pe.Err)
			s.writeError(w, http.StatusInternalServerError, "internal processing error")
		}
		return
	}

	s.log.Error("panorama job failed", "error", err)
	s.writeError(w, http.StatusInternalServerError, "internal processing error")
}

func (s *Server) writeError(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"detail": detail})
}

// handleResultStream pushes pipeline results to websocket clients.
func (s *Server) handleResultStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	resCh, unsubscribe := s.pipeline.Subscribe()
	defer unsubscribe()

	// Reader drains client frames so close is noticed.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-clientGone:
			return
		case res, ok := <-resCh:
			if !ok {
				return
			}
			payload := map[string]any{
				"job_id": res.Job.ID,
				"type":   string(res.Job.Type),
				"meta":   res.Meta,
			}
			if res.Error != nil {
				payload["error"] = res.Error.Error()
			}
			data, _ := json.Marshal(payload)
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}
