// Package server exposes the decoder over HTTP: POST /decode accepts
// raw PCM or WAV audio and returns the hypothesis with segmentation,
// /healthz reports liveness, and /metrics serves the default
// Prometheus registry.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/go-pocket-asr/internal/config"
	"github.com/example/go-pocket-asr/internal/decoder"
	"github.com/example/go-pocket-asr/internal/feat"
)

// ParseLogLevel converts a case-insensitive level string to
// slog.Level. An empty string returns slog.LevelInfo.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q (want debug|info|warn|error)", s)
	}
}

// Recognizer decodes one utterance of samples into a hypothesis.
// A decoder.Decoder is not safe for concurrent use; the handler
// serializes access.
type Recognizer interface {
	StartUtt() error
	ProcessRaw(samples []float32) error
	EndUtt() error
	Hyp() (string, int32)
	Seg() []decoder.Segment
}

type options struct {
	maxBodyBytes   int
	requestTimeout time.Duration
	logger         *slog.Logger
}

func defaultOptions() options {
	return options{
		maxBodyBytes:   16 << 20,
		requestTimeout: 60 * time.Second,
		logger:         slog.Default(),
	}
}

// Option configures the HTTP handler.
type Option func(*options)

// WithMaxBodyBytes bounds the POST /decode body size.
func WithMaxBodyBytes(n int) Option {
	return func(o *options) { o.maxBodyBytes = n }
}

// WithRequestTimeout bounds the time spent decoding one request.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *options) { o.requestTimeout = d }
}

// WithLogger overrides the handler logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

type handler struct {
	rec  Recognizer
	mu   sync.Mutex // one utterance at a time
	opts options
	mux  *http.ServeMux
}

// NewHandler wires the decode routes around a recognizer.
func NewHandler(rec Recognizer, optFns ...Option) http.Handler {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}

	h := &handler{rec: rec, opts: opts, mux: http.NewServeMux()}
	h.mux.HandleFunc("/healthz", h.handleHealth)
	h.mux.HandleFunc("/decode", h.handleDecode)
	h.mux.Handle("/metrics", promhttp.Handler())
	return h
}

func (h *handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type segmentJSON struct {
	Word  string  `json:"word"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

type decodeResponse struct {
	Hypothesis string        `json:"hypothesis"`
	Score      int32         `json:"score"`
	Segments   []segmentJSON `json:"segments"`
}

// handleDecode accepts audio/wav or application/octet-stream (raw
// 16 kHz 16-bit mono PCM) bodies.
func (h *handler) handleDecode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, int64(h.opts.maxBodyBytes)+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}
	if len(body) > h.opts.maxBodyBytes {
		writeError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("body exceeds %d bytes", h.opts.maxBodyBytes))
		return
	}
	if len(body) == 0 {
		writeError(w, http.StatusBadRequest, "empty body")
		return
	}

	var samples []float32
	ct := r.Header.Get("Content-Type")
	switch {
	case strings.HasPrefix(ct, "audio/wav"), strings.HasPrefix(ct, "audio/x-wav"):
		samples, err = feat.DecodeWAV(body)
	default:
		samples = feat.DecodeRaw(body)
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.opts.requestTimeout)
	defer cancel()

	resp, err := h.decode(ctx, samples)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			writeError(w, http.StatusGatewayTimeout, "decode timeout")
			return
		}
		h.opts.logger.Error("decode failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) decode(ctx context.Context, samples []float32) (*decodeResponse, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := h.rec.StartUtt(); err != nil {
		return nil, err
	}
	if err := h.rec.ProcessRaw(samples); err != nil {
		return nil, err
	}
	if err := h.rec.EndUtt(); err != nil {
		return nil, err
	}

	hyp, score := h.rec.Hyp()
	resp := &decodeResponse{Hypothesis: hyp, Score: score, Segments: []segmentJSON{}}
	for _, s := range h.rec.Seg() {
		resp.Segments = append(resp.Segments, segmentJSON{
			Word:  s.Word,
			Start: float64(s.StartFrame) * 0.01,
			End:   float64(s.EndFrame+1) * 0.01,
		})
	}
	return resp, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// Server runs the HTTP front end around one decoder.
type Server struct {
	cfg             config.Config
	rec             Recognizer
	shutdownTimeout time.Duration
}

// New creates a server for a recognizer.
func New(cfg config.Config, rec Recognizer) *Server {
	return &Server{
		cfg:             cfg,
		rec:             rec,
		shutdownTimeout: time.Duration(cfg.Server.ShutdownTimeout) * time.Second,
	}
}

// WithShutdownTimeout overrides the graceful-shutdown drain period.
func (s *Server) WithShutdownTimeout(d time.Duration) *Server {
	s.shutdownTimeout = d
	return s
}

// Start serves until the context is canceled, then drains.
func (s *Server) Start(ctx context.Context) error {
	h := NewHandler(s.rec,
		WithMaxBodyBytes(s.cfg.Server.MaxBodyBytes),
		WithRequestTimeout(time.Duration(s.cfg.Server.RequestTimeout)*time.Second),
	)

	httpServer := &http.Server{
		Addr:              s.cfg.Server.ListenAddr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http listen: %w", err)
	}
}

// ProbeHTTP checks a running server's health endpoint.
func ProbeHTTP(addr string) error {
	resp, err := http.Get("http://" + addr + "/healthz") //nolint:noctx
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected health status: %s", resp.Status)
	}
	return nil
}
