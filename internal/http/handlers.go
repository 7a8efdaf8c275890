package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"buspositions/internal/config"
	"buspositions/internal/feed"
	"buspositions/internal/metrics"
	"buspositions/internal/tile"
	"buspositions/internal/tilesource"
)

type Handlers struct {
	config *config.Config
	logger *zap.Logger
	source tilesource.Source
}

func New(config *config.Config, logger *zap.Logger, source tilesource.Source) *Handlers {
	return &Handlers{
		config: config,
		logger: logger,
		source: source,
	}
}

// Routes wires every endpoint with logging and CORS applied.
func (h *Handlers) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/tiles/", h.HandleTile)
	mux.HandleFunc("/tiles.json", h.HandleTileJSON)
	mux.HandleFunc("/healthz", h.HandleHealthz)
	mux.Handle("/metrics", metrics.Handler())

	return h.CORSMiddleware(h.RequestLoggingMiddleware(mux))
}

func (h *Handlers) RequestLoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()
		start := time.Now()

		ip := h.extractIP(r)

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		wrapped.Header().Set("X-Request-Id", requestID)

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)
		metrics.HTTPRequests.WithLabelValues(r.Method, routeOf(r.URL.Path), strconv.Itoa(wrapped.statusCode)).Inc()

		h.logger.Info("request",
			zap.String("request_id", requestID),
			zap.String("ip", ip),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", wrapped.statusCode),
			zap.Int64("bytes", wrapped.bytesWritten),
			zap.Int64("duration_ms", duration.Milliseconds()),
			zap.String("user_agent", r.UserAgent()),
		)
	})
}

func (h *Handlers) CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowedOrigin := "*"
		if h.config.AllowedOrigin != "" {
			allowedOrigin = h.config.AllowedOrigin
		}

		w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, HEAD, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type tileJSON struct {
	TileJSON string `json:"tilejson"`
	tilesource.Info
	Tiles []string `json:"tiles"`
}

func (h *Handlers) HandleTileJSON(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	base := strings.TrimSuffix(h.config.PublicBaseURL, "/")
	doc := tileJSON{
		TileJSON: "3.0.0",
		Info:     h.source.GetInfo(),
		Tiles:    []string{base + "/tiles/{z}/{x}/{y}.pbf"},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(doc)
}

// HandleTile serves /tiles/{z}/{x}/{y}.pbf
func (h *Handlers) HandleTile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	c, err := parseTilePath(strings.TrimPrefix(r.URL.Path, "/tiles/"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	result, err := h.source.GetTile(r.Context(), c.Z, c.X, c.Y)
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			h.logger.Error("Failed to get tile", zap.String("tile", c.String()), zap.Error(err))
		}
		http.Error(w, http.StatusText(status), status)
		return
	}

	w.Header().Set("Content-Type", "application/x-protobuf")
	w.Header().Set("Content-Encoding", result.ContentEncoding)
	w.Header().Set("Cache-Control", result.CacheControl)
	w.Header().Set("Content-Length", strconv.Itoa(result.Size))

	// HEAD request doesn't send body
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}

	w.Write(result.Data)
}

func parseTilePath(path string) (tile.Coordinate, error) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != 3 {
		return tile.Coordinate{}, errors.New("Invalid path, expected /tiles/{z}/{x}/{y}.pbf")
	}

	y, ok := strings.CutSuffix(parts[2], ".pbf")
	if !ok {
		y, ok = strings.CutSuffix(parts[2], ".mvt")
	}
	if !ok {
		return tile.Coordinate{}, errors.New("Invalid format")
	}

	var c tile.Coordinate
	var err error
	if c.Z, err = strconv.Atoi(parts[0]); err != nil {
		return c, errors.New("Invalid zoom level")
	}
	if c.X, err = strconv.Atoi(parts[1]); err != nil {
		return c, errors.New("Invalid x coordinate")
	}
	if c.Y, err = strconv.Atoi(y); err != nil {
		return c, errors.New("Invalid y coordinate")
	}
	return c, nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, tile.ErrInvalidCoordinate):
		return http.StatusBadRequest
	case errors.Is(err, feed.ErrFetch), errors.Is(err, feed.ErrParse):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// routeOf keeps the metrics label set bounded.
func routeOf(path string) string {
	switch {
	case strings.HasPrefix(path, "/tiles/"):
		return "tile"
	case path == "/tiles.json", path == "/healthz", path == "/metrics":
		return path
	default:
		return "other"
	}
}

// Not for real production use due to potential spoofing
func (h *Handlers) extractIP(r *http.Request) string {
	ip := r.Header.Get("X-Real-Ip")
	if ip != "" {
		return strings.Split(ip, ":")[0]
	}

	addr := r.RemoteAddr
	if addr != "" {
		return strings.Split(addr, ":")[0]
	}

	return "unknown"
}

type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}
