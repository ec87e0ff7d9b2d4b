package middleware

import (
	"compress/gzip"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCompressedRouter(cm *CompressionMiddleware) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(cm.Handler())
	r.GET("/large", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"results": strings.Repeat(`{"label":"Legitimate"},`, 200)})
	})
	r.GET("/small", func(c *gin.Context) {
		c.JSON(http.StatusCreated, gin.H{"ok": true})
	})
	r.GET("/metrics", func(c *gin.Context) {
		c.String(http.StatusOK, strings.Repeat("fraudscope_batches_total 1\n", 100))
	})
	r.GET("/empty", func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})
	return r
}

func get(r *gin.Engine, path, acceptEncoding string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if acceptEncoding != "" {
		req.Header.Set("Accept-Encoding", acceptEncoding)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestCompressesLargeJSON(t *testing.T) {
	cm := NewCompressionMiddleware(DefaultCompressionConfig())
	r := newCompressedRouter(cm)

	plain := get(r, "/large", "")
	w := get(r, "/large", "br, gzip;q=0.8")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "gzip", w.Header().Get("Content-Encoding"))
	assert.Contains(t, w.Header().Values("Vary"), "Accept-Encoding")

	gz, err := gzip.NewReader(w.Body)
	require.NoError(t, err)
	body, err := io.ReadAll(gz)
	require.NoError(t, err)
	assert.Equal(t, plain.Body.String(), string(body))
	assert.Less(t, w.Body.Len(), len(body))

	stats := cm.GetStats()
	assert.Equal(t, int64(1), stats["compressed_requests"])
}

func TestSkipsSmallResponses(t *testing.T) {
	r := newCompressedRouter(NewCompressionMiddleware(DefaultCompressionConfig()))

	w := get(r, "/small", "gzip")

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Empty(t, w.Header().Get("Content-Encoding"))
	assert.JSONEq(t, `{"ok":true}`, w.Body.String())
}

func TestSkipsWithoutAcceptEncoding(t *testing.T) {
	r := newCompressedRouter(NewCompressionMiddleware(DefaultCompressionConfig()))

	for _, enc := range []string{"", "deflate", "gzip;q=0"} {
		w := get(r, "/large", enc)
		assert.Empty(t, w.Header().Get("Content-Encoding"), enc)
		assert.Contains(t, w.Body.String(), "Legitimate")
	}
}

func TestSkipPaths(t *testing.T) {
	r := newCompressedRouter(NewCompressionMiddleware(DefaultCompressionConfig()))

	w := get(r, "/metrics", "gzip")

	assert.Empty(t, w.Header().Get("Content-Encoding"))
	assert.Contains(t, w.Body.String(), "fraudscope_batches_total")
}

func TestStatusOnlyResponse(t *testing.T) {
	r := newCompressedRouter(NewCompressionMiddleware(DefaultCompressionConfig()))

	w := get(r, "/empty", "gzip")

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Empty(t, w.Body.String())
}
