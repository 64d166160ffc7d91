package api

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/amarcoder01/customsp/internal/logging"
	"github.com/amarcoder01/customsp/internal/metrics"
)

const (
	mebibyte         = 1024 * 1024
	defaultSizeMB    = 10
	maxSizeMB        = 100
	transferChunk    = mebibyte
	flushEveryChunks = 8
)

// TransferHandler serves the plain HTTP transfer endpoints used by quick
// checks and load generators. Downloads are either a fixed size
// (size_mb, default 10, capped at 100) or time bounded (duration in
// seconds). Uploads are read to EOF and acknowledged with the byte count
// and the server-side throughput.
type TransferHandler struct {
	active           int64
	maxConcurrent    int64
	maxDuration      time.Duration
	payload          []byte
	clientIPResolver *ClientIPResolver
	logger           *logging.Logger
}

type uploadReply struct {
	Success        bool    `json:"success"`
	BytesReceived  int64   `json:"bytes_received"`
	SizeMB         float64 `json:"size_mb"`
	DurationMs     int64   `json:"duration_ms"`
	ThroughputMbps float64 `json:"throughput_mbps"`
}

type pingReply struct {
	Pong      bool   `json:"pong"`
	Timestamp int64  `json:"timestamp"`
	ClientIP  string `json:"client_ip"`
}

func NewTransferHandler(maxConcurrent int, maxDuration time.Duration) *TransferHandler {
	if maxDuration <= 0 {
		maxDuration = 30 * time.Second
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	payload := make([]byte, transferChunk)
	// Never fails on supported platforms; zeroes are still a valid payload.
	_, _ = rand.Read(payload)
	return &TransferHandler{
		maxConcurrent: int64(maxConcurrent),
		maxDuration:   maxDuration,
		payload:       payload,
		logger:        logging.NewLogger("transfer"),
	}
}

func (h *TransferHandler) SetClientIPResolver(resolver *ClientIPResolver) {
	h.clientIPResolver = resolver
}

func (h *TransferHandler) acquire() bool {
	if atomic.AddInt64(&h.active, 1) > h.maxConcurrent {
		atomic.AddInt64(&h.active, -1)
		return false
	}
	return true
}

func (h *TransferHandler) release() { atomic.AddInt64(&h.active, -1) }

// downloadPlan is the parsed query of a download request: a byte budget,
// a deadline, or both zero for the default size.
type downloadPlan struct {
	size     int64
	duration time.Duration
}

func (h *TransferHandler) parseDownload(r *http.Request) (downloadPlan, error) {
	q := r.URL.Query()
	if s := q.Get("duration"); s != "" {
		secs, err := strconv.Atoi(s)
		maxSecs := int(h.maxDuration / time.Second)
		if err != nil || secs < 1 || secs > maxSecs {
			return downloadPlan{}, fmt.Errorf("duration must be 1-%d", maxSecs)
		}
		return downloadPlan{duration: time.Duration(secs) * time.Second}, nil
	}
	sizeMB := defaultSizeMB
	if s := q.Get("size_mb"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			return downloadPlan{}, errors.New("size_mb must be a positive integer")
		}
		sizeMB = min(n, maxSizeMB)
	}
	return downloadPlan{size: int64(sizeMB) * mebibyte}, nil
}

func (h *TransferHandler) Download(w http.ResponseWriter, r *http.Request) {
	drainRequestBody(r)
	plan, err := h.parseDownload(r)
	if err != nil {
		respondError(w, err, http.StatusBadRequest)
		return
	}
	if !h.acquire() {
		respondError(w, errors.New("too many concurrent transfers"), http.StatusServiceUnavailable)
		return
	}
	defer h.release()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	if plan.size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(plan.size, 10))
		w.Header().Set("Content-Disposition",
			fmt.Sprintf("attachment; filename=\"speedtest-%d.bin\"", plan.size/mebibyte))
	}
	w.WriteHeader(http.StatusOK)

	flusher, canFlush := w.(http.Flusher)
	collector := metrics.NewCollector()
	start := time.Now()
	collector.Start(start)
	deadline := start.Add(plan.duration)

	var written, chunks int64
	for r.Context().Err() == nil {
		n := int64(len(h.payload))
		if plan.size > 0 {
			if written >= plan.size {
				break
			}
			n = min(n, plan.size-written)
		} else if !time.Now().Before(deadline) {
			break
		}
		chunkStart := time.Now()
		if _, err := w.Write(h.payload[:n]); err != nil {
			break
		}
		collector.RecordChunk(int(n), time.Since(chunkStart))
		written += n
		chunks++
		if canFlush && chunks%flushEveryChunks == 0 {
			flusher.Flush()
		}
	}
	if canFlush {
		flusher.Flush()
	}
	h.logCompleted("download", r, collector.Snapshot(time.Now()))
}

func (h *TransferHandler) Upload(w http.ResponseWriter, r *http.Request) {
	defer drainRequestBody(r)
	if !h.acquire() {
		respondError(w, errors.New("too many concurrent transfers"), http.StatusServiceUnavailable)
		return
	}
	defer h.release()

	body := http.MaxBytesReader(w, r.Body, maxSizeMB*mebibyte)
	collector := metrics.NewCollector()
	start := time.Now()
	collector.Start(start)
	deadline := start.Add(h.maxDuration)

	buf := make([]byte, 256*1024)
	for time.Now().Before(deadline) && r.Context().Err() == nil {
		readStart := time.Now()
		n, err := body.Read(buf)
		if n > 0 {
			collector.RecordChunk(n, time.Since(readStart))
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				respondError(w, fmt.Errorf("upload exceeds %d MB", maxSizeMB), http.StatusRequestEntityTooLarge)
				return
			}
			respondError(w, errors.New("upload failed"), http.StatusBadRequest)
			return
		}
	}

	snap := collector.Snapshot(time.Now())
	h.logCompleted("upload", r, snap)
	respondJSON(w, uploadReply{
		Success:        true,
		BytesReceived:  snap.Bytes,
		SizeMB:         float64(snap.Bytes) / mebibyte,
		DurationMs:     snap.Elapsed.Milliseconds(),
		ThroughputMbps: snap.AvgMbps,
	}, http.StatusOK)
}

func (h *TransferHandler) Ping(w http.ResponseWriter, r *http.Request) {
	drainRequestBody(r)
	w.Header().Set("Cache-Control", "no-store")
	respondJSON(w, pingReply{
		Pong:      true,
		Timestamp: time.Now().UnixMilli(),
		ClientIP:  h.resolveClientIP(r),
	}, http.StatusOK)
}

func (h *TransferHandler) logCompleted(direction string, r *http.Request, snap metrics.Snapshot) {
	h.logger.Debug("transfer completed",
		logging.Field{Key: "direction", Value: direction},
		logging.Field{Key: "client_ip", Value: h.resolveClientIP(r)},
		logging.Field{Key: "bytes", Value: snap.Bytes},
		logging.Field{Key: "elapsed", Value: snap.Elapsed},
		logging.Field{Key: "mbps", Value: snap.AvgMbps})
}

func (h *TransferHandler) resolveClientIP(r *http.Request) string {
	if h.clientIPResolver != nil {
		return h.clientIPResolver.FromRequest(r)
	}
	if addr, ok := parseAddr(r.RemoteAddr); ok {
		return addr.String()
	}
	return "unknown"
}
