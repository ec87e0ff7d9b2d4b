package middleware

import (
	"bytes"
	"compress/gzip"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
)

// CompressionConfig holds configuration for response compression
type CompressionConfig struct {
	MinSize          int      // Minimum response size to compress (bytes)
	CompressionLevel int      // Gzip compression level (1-9, 9 is best compression)
	ContentTypes     []string // Content types to compress
	SkipPaths        []string // Paths that compress on their own, e.g. /metrics
}

// DefaultCompressionConfig returns the default compression configuration
func DefaultCompressionConfig() CompressionConfig {
	return CompressionConfig{
		MinSize:          1024,
		CompressionLevel: gzip.DefaultCompression,
		ContentTypes: []string{
			"application/json",
			"text/plain",
			"text/csv",
		},
		SkipPaths: []string{"/metrics"},
	}
}

// CompressionMiddleware gzips large responses such as full batch result sets
type CompressionMiddleware struct {
	config CompressionConfig
	stats  *CompressionStats
	pool   sync.Pool
}

// NewCompressionMiddleware creates a new compression middleware
func NewCompressionMiddleware(config CompressionConfig) *CompressionMiddleware {
	level := config.CompressionLevel
	if level < gzip.HuffmanOnly || level > gzip.BestCompression {
		level = gzip.DefaultCompression
	}

	return &CompressionMiddleware{
		config: config,
		stats:  NewCompressionStats(),
		pool: sync.Pool{
			New: func() interface{} {
				gz, _ := gzip.NewWriterLevel(io.Discard, level)
				return gz
			},
		},
	}
}

// Handler returns the gin middleware. Responses are buffered and compressed once complete.
func (cm *CompressionMiddleware) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !cm.clientAcceptsGzip(c.Request) || cm.skip(c.Request.URL.Path) {
			c.Next()
			return
		}

		original := c.Writer
		bw := &bufferedWriter{ResponseWriter: original}
		c.Writer = bw

		defer func() {
			c.Writer = original
			cm.flush(original, bw)
		}()

		c.Next()
	}
}

func (cm *CompressionMiddleware) skip(path string) bool {
	for _, p := range cm.config.SkipPaths {
		if path == p {
			return true
		}
	}
	return false
}

// clientAcceptsGzip checks if the client accepts gzip compression
func (cm *CompressionMiddleware) clientAcceptsGzip(r *http.Request) bool {
	for _, part := range strings.Split(r.Header.Get("Accept-Encoding"), ",") {
		coding, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		if strings.EqualFold(strings.TrimSpace(coding), "gzip") && strings.TrimSpace(params) != "q=0" {
			return true
		}
	}
	return false
}

// shouldCompress checks if the content type should be compressed
func (cm *CompressionMiddleware) shouldCompress(contentType string) bool {
	for _, ct := range cm.config.ContentTypes {
		if strings.Contains(contentType, ct) {
			return true
		}
	}
	return false
}

func (cm *CompressionMiddleware) flush(w gin.ResponseWriter, bw *bufferedWriter) {
	if !bw.wroteHeader {
		// gin writes the header itself once the chain returns
		if bw.status != 0 {
			w.WriteHeader(bw.status)
		}
		return
	}

	status := bw.status
	body := bw.buf.Bytes()

	header := w.Header()
	compressible := len(body) >= cm.config.MinSize &&
		status != http.StatusNoContent && status != http.StatusNotModified &&
		header.Get("Content-Encoding") == "" &&
		cm.shouldCompress(header.Get("Content-Type"))

	out := body
	if compressible {
		if compressed, err := cm.compress(body); err != nil {
			slog.Warn("Response compression failed, sending identity", "error", err)
		} else if len(compressed) < len(body) {
			out = compressed
			header.Set("Content-Encoding", "gzip")
			header.Add("Vary", "Accept-Encoding")
		}
	}
	if len(out) > 0 {
		header.Set("Content-Length", strconv.Itoa(len(out)))
	}

	w.WriteHeader(status)
	w.WriteHeaderNow()
	if len(out) > 0 {
		if _, err := w.Write(out); err != nil {
			slog.Debug("Failed to write response", "error", err)
		}
	}

	cm.stats.RecordRequest(int64(len(body)), int64(len(out)), compressible && len(out) < len(body))
}

func (cm *CompressionMiddleware) compress(body []byte) ([]byte, error) {
	var buf bytes.Buffer
	gz := cm.pool.Get().(*gzip.Writer)
	defer cm.pool.Put(gz)

	gz.Reset(&buf)
	if _, err := gz.Write(body); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// bufferedWriter holds the status and body until the handler chain completes
type bufferedWriter struct {
	gin.ResponseWriter
	buf         bytes.Buffer
	status      int
	wroteHeader bool
}

func (w *bufferedWriter) WriteHeader(code int) {
	if code > 0 && !w.wroteHeader {
		w.status = code
	}
}

func (w *bufferedWriter) WriteHeaderNow() {
	if !w.wroteHeader {
		if w.status == 0 {
			w.status = http.StatusOK
		}
		w.wroteHeader = true
	}
}

func (w *bufferedWriter) Write(data []byte) (int, error) {
	w.WriteHeaderNow()
	return w.buf.Write(data)
}

func (w *bufferedWriter) WriteString(s string) (int, error) {
	w.WriteHeaderNow()
	return w.buf.WriteString(s)
}

func (w *bufferedWriter) Status() int {
	if w.status == 0 {
		return http.StatusOK
	}
	return w.status
}

func (w *bufferedWriter) Size() int {
	if !w.wroteHeader {
		return -1
	}
	return w.buf.Len()
}

func (w *bufferedWriter) Written() bool {
	return w.wroteHeader
}

// Flush is a no-op; the body is sent once the chain completes
func (w *bufferedWriter) Flush() {}

// CompressionStats tracks compression statistics
type CompressionStats struct {
	TotalRequests      int64
	CompressedRequests int64
	TotalBytes         int64
	CompressedBytes    int64
	mutex              sync.RWMutex
}

// NewCompressionStats creates new compression statistics
func NewCompressionStats() *CompressionStats {
	return &CompressionStats{}
}

// RecordRequest records a request's compression stats
func (cs *CompressionStats) RecordRequest(originalSize, compressedSize int64, compressed bool) {
	cs.mutex.Lock()
	defer cs.mutex.Unlock()

	cs.TotalRequests++
	cs.TotalBytes += originalSize

	if compressed {
		cs.CompressedRequests++
		cs.CompressedBytes += compressedSize
	} else {
		cs.CompressedBytes += originalSize
	}
}

// GetStats returns current compression statistics
func (cs *CompressionStats) GetStats() map[string]interface{} {
	cs.mutex.RLock()
	defer cs.mutex.RUnlock()

	compressionRatio := float64(0)
	if cs.TotalBytes > 0 {
		compressionRatio = float64(cs.CompressedBytes) / float64(cs.TotalBytes)
	}

	return map[string]interface{}{
		"total_requests":      cs.TotalRequests,
		"compressed_requests": cs.CompressedRequests,
		"total_bytes":         cs.TotalBytes,
		"compressed_bytes":    cs.CompressedBytes,
		"compression_ratio":   compressionRatio,
	}
}

// GetStats returns compression statistics
func (cm *CompressionMiddleware) GetStats() map[string]interface{} {
	return cm.stats.GetStats()
}
