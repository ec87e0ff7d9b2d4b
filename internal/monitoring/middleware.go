package monitoring

import (
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// MonitoringMiddleware records request metrics and logs every request
func MonitoringMiddleware(metrics *Metrics, logger *Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == "/metrics" {
			c.Next()
			return
		}

		start := time.Now()
		done := metrics.RequestStarted()
		defer done()

		ip := c.ClientIP()
		userAgent := c.GetHeader("User-Agent")
		method := c.Request.Method

		c.Next()

		duration := time.Since(start)
		statusCode := c.Writer.Status()

		// Route templates keep batch ids out of label values
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		metrics.RecordRequest(method, path, statusCode, duration)
		logger.RequestLogger(method, c.Request.URL.Path, ip, userAgent, statusCode, duration)

		for _, err := range c.Errors {
			logger.APIErrorLogger(err.Err, method, path, ip, statusCode)
		}
	}
}

var (
	injectionMarkers = []string{"union select", "union all", "drop table", "delete from", "';--", "/*", "../"}
	scannerAgents    = []string{"sqlmap", "nmap", "masscan", "zgrab", "gobuster", "nikto", "nuclei"}
)

// SecurityMonitoringMiddleware logs requests that look like probing: injection markers in
// the path (batch ids) or query, and known scanner user agents. It never blocks.
func SecurityMonitoringMiddleware(logger *Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		userAgent := c.GetHeader("User-Agent")

		var kind string
		switch {
		case containsAny(decodedQuery(c.Request.URL), injectionMarkers):
			kind = "injection_in_query"
		case containsAny(c.Request.URL.Path, injectionMarkers):
			kind = "injection_in_path"
		case containsAny(userAgent, scannerAgents):
			kind = "scanner_user_agent"
		}

		if kind != "" {
			logger.SecurityLogger("suspicious_request", c.ClientIP(), userAgent, map[string]interface{}{
				"type": kind,
				"path": c.Request.URL.Path,
			})
		}

		c.Next()
	}
}

func decodedQuery(u *url.URL) string {
	if q, err := url.QueryUnescape(u.RawQuery); err == nil {
		return q
	}
	return u.RawQuery
}

func containsAny(s string, markers []string) bool {
	if s == "" {
		return false
	}
	s = strings.ToLower(s)
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}
