package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math/rand"
	"net/http"
	"strconv"

	"golang.org/x/time/rate"

	"github.com/NodePath81/fbspeed/internal/geo"
	"github.com/NodePath81/fbspeed/internal/measure"
)

type uploadResponse struct {
	Received  int64 `json:"received"`
	Timestamp int64 `json:"timestamp"`
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	h := w.Header()
	h.Set("Cache-Control", "no-store, no-cache")
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("X-Timestamp", strconv.FormatInt(s.now().UnixMilli(), 10))
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	size := s.downloadSize(r.URL.Query().Get("size"))
	h := w.Header()
	h.Set("Content-Type", "application/octet-stream")
	h.Set("Content-Length", strconv.FormatInt(size, 10))
	h.Set("Cache-Control", "no-store, no-cache, must-revalidate")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)

	written, err := s.writeRandom(r.Context(), w, size)
	s.metrics.AddServerBytes(measure.DirectionDown, written)
	if err != nil {
		s.logger.Debug("download aborted", "client", geo.ClientIP(r), "written", written, "size", size, "error", err)
	}
}

// downloadSize applies the default to a missing, invalid or non-positive
// size and caps it at the configured maximum.
func (s *Server) downloadSize(raw string) int64 {
	transfer := s.cfg.Transfer
	size, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || size <= 0 {
		size = transfer.DefaultDownloadBytes
	}
	return min(size, transfer.MaxDownloadBytes)
}

// writeRandom streams size bytes from the shared block, starting at a random
// offset so consecutive responses differ.
func (s *Server) writeRandom(ctx context.Context, w io.Writer, size int64) (int64, error) {
	var limiter *rate.Limiter
	if bits := s.cfg.Transfer.RateLimitBits; bits > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(bits)/8), writeChunkSize)
	}
	offset := rand.Intn(len(s.block))
	var written int64
	for written < size {
		n := int(min(int64(writeChunkSize), size-written))
		n = min(n, len(s.block)-offset)
		if limiter != nil {
			if err := limiter.WaitN(ctx, n); err != nil {
				return written, err
			}
		}
		wn, err := w.Write(s.block[offset : offset+n])
		written += int64(wn)
		if err != nil {
			return written, err
		}
		offset = (offset + n) % len(s.block)
	}
	return written, nil
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	body := http.MaxBytesReader(w, r.Body, s.cfg.Transfer.MaxUploadBytes)
	received, err := io.Copy(io.Discard, body)
	s.metrics.AddServerBytes(measure.DirectionUp, received)
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "upload too large"})
			return
		}
		s.logger.Debug("upload aborted", "client", geo.ClientIP(r), "received", received, "error", err)
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "upload interrupted"})
		return
	}
	writeJSON(w, http.StatusOK, uploadResponse{Received: received, Timestamp: s.now().UnixMilli()})
}

func (s *Server) handleUploadPreflight(w http.ResponseWriter, r *http.Request) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "POST, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleIP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	ip := geo.ClientIP(r)
	var info geo.Info
	if s.locator != nil {
		info = s.locator.Locate(r.Context(), ip)
	} else {
		info = geo.Unknown()
		info.IP = ip
	}
	writeJSON(w, http.StatusOK, info)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
