package handlers

import (
	"log"
	"net/http"
	"strings"
	"time"

	"itutor/internal/services"

	"github.com/gin-gonic/gin"
)

// DispatchResponse is the diagnostic body returned to the external scheduler.
// Internal failures are reported with a success status code and ok=false: the
// scheduler fires on a fixed cadence regardless of status code, so the body
// is the only error signal anyone reads.
type DispatchResponse struct {
	Ok                bool   `json:"ok"`
	ProcessedSessions int    `json:"processedSessions"`
	UrgentSessions    int    `json:"urgentSessions"`
	Logged            int    `json:"logged"`
	Tokens            int    `json:"tokens"`
	SendsAttempted    int    `json:"sendsAttempted"`
	DurationMs        int64  `json:"durationMs"`
	Error             string `json:"error,omitempty"`
}

// SessionReminders returns the handler for the periodic reminder trigger
func SessionReminders(svc *services.DispatchService) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		log.Printf("Session reminder dispatch triggered from %s", triggerSource(c))

		result, err := svc.Run(c.Request.Context(), start)

		resp := DispatchResponse{
			Ok:                err == nil,
			ProcessedSessions: result.ProcessedSessions,
			UrgentSessions:    result.UrgentSessions,
			Logged:            result.Logged,
			Tokens:            result.Tokens,
			SendsAttempted:    result.SendsAttempted,
			DurationMs:        time.Since(start).Milliseconds(),
		}
		if err != nil {
			log.Printf("Session reminder dispatch failed: %v", err)
			resp.Error = err.Error()
		}

		c.JSON(http.StatusOK, resp)
	}
}

// triggerSource extracts the real client IP for the trigger log line,
// preferring the proxy-set headers over the socket peer.
func triggerSource(c *gin.Context) string {
	if ip := c.GetHeader("X-Real-IP"); ip != "" {
		return ip
	}
	if xff := c.GetHeader("X-Forwarded-For"); xff != "" {
		if ips := strings.Split(xff, ","); len(ips) > 0 {
			return strings.TrimSpace(ips[0])
		}
	}
	return c.ClientIP()
}
