// Package server exposes the HTTP surface: the Pub/Sub push endpoint and the
// token-gated admin controls for watch renewal and full sync.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/facturador/mailtrigger/internal/automation"
	"github.com/facturador/mailtrigger/internal/gapi"
	"github.com/facturador/mailtrigger/internal/state"
)

const adminTokenHeader = "X-Admin-Token"

// Options wires the server to the automation core.
type Options struct {
	// AdminToken gates the admin endpoints. Empty disables the check
	// (local runs behind a trusted boundary).
	AdminToken string
	// Verifier authenticates push deliveries; nil skips verification.
	Verifier *PushVerifier

	Engine    *automation.Engine
	Poller    *automation.Poller
	Registrar *automation.Registrar
	State     state.Store

	// DefaultMaxCycles bounds admin-triggered full syncs when the request
	// does not specify max_cycles.
	DefaultMaxCycles int
}

// Server handles pushes and admin calls. A single operation mutex serializes
// every mutating pass: the cursor's forward-only invariant depends on no two
// sync passes interleaving.
type Server struct {
	opts   Options
	router *gin.Engine
	opMu   sync.Mutex
}

func New(opts Options) *Server {
	s := &Server{opts: opts}

	r := gin.Default()
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	r.POST("/pubsub/push", s.handlePush)

	admin := r.Group("/admin", s.requireAdminToken)
	admin.POST("/start-watch", s.handleStartWatch)
	admin.POST("/full-sync", s.handleFullSync)
	admin.GET("/state", s.handleState)

	s.router = r
	return s
}

// Handler returns the underlying HTTP handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Run(addr string) error {
	return s.router.Run(addr)
}

// RunPollLoop runs a bounded full sync every interval as a backstop for
// pushes that never arrived (lapsed watch, dropped deliveries). Ticks that
// land while another operation holds the mutex are skipped, not queued.
func (s *Server) RunPollLoop(ctx context.Context, interval time.Duration, maxCycles int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if !s.opMu.TryLock() {
			continue
		}
		summary, err := s.opts.Poller.FullSync(ctx, maxCycles)
		s.opMu.Unlock()
		if err != nil {
			log.Printf("scheduled sync failed: %v", err)
			continue
		}
		if summary.Checked > 0 {
			log.Printf("scheduled sync: checked=%d processed=%d skipped=%d failed=%d",
				summary.Checked, summary.Processed, summary.Skipped, summary.Failed)
		}
	}
}

// pushEnvelope is the Pub/Sub push delivery wrapper.
type pushEnvelope struct {
	Message struct {
		Data      string `json:"data"`
		MessageID string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// gmailNotification is the decoded message.data payload. The history id is
// accepted both as a JSON number and as a string.
type gmailNotification struct {
	EmailAddress string      `json:"emailAddress"`
	HistoryID    json.Number `json:"historyId"`
}

func decodeNotification(env *pushEnvelope) (mailboxAddress string, marker uint64, err error) {
	if env.Message.Data == "" {
		return "", 0, fmt.Errorf("push envelope missing message.data")
	}
	raw, err := base64.StdEncoding.DecodeString(env.Message.Data)
	if err != nil {
		return "", 0, fmt.Errorf("decode message.data: %w", err)
	}

	var note gmailNotification
	if err := json.Unmarshal(raw, &note); err != nil {
		return "", 0, fmt.Errorf("decode notification payload: %w", err)
	}
	if note.HistoryID == "" {
		return "", 0, fmt.Errorf("notification missing historyId")
	}
	marker, err = strconv.ParseUint(note.HistoryID.String(), 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("malformed historyId %q: %w", note.HistoryID, err)
	}
	return note.EmailAddress, marker, nil
}

// handlePush always acknowledges with 2xx once the sender is trusted, so the
// transport never retries: internal failures are recovered by the scheduled
// full sync, not by redelivery storms.
func (s *Server) handlePush(c *gin.Context) {
	if s.opts.Verifier != nil {
		if err := s.opts.Verifier.Verify(c.Request); err != nil {
			log.Printf("rejected push: %v", err)
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
	}

	var env pushEnvelope
	if err := c.ShouldBindJSON(&env); err != nil {
		c.JSON(http.StatusOK, gin.H{"ok": true, "error": err.Error()})
		return
	}
	_, marker, err := decodeNotification(&env)
	if err != nil {
		log.Printf("unusable push payload: %v", err)
		c.JSON(http.StatusOK, gin.H{"ok": true, "error": err.Error()})
		return
	}

	if !s.opMu.TryLock() {
		log.Printf("push skipped, operation in progress (marker %d)", marker)
		c.JSON(http.StatusOK, gin.H{"ok": true, "skipped": "busy"})
		return
	}
	defer s.opMu.Unlock()

	result, err := s.opts.Engine.HandlePush(c.Request.Context(), marker)
	if err != nil {
		if gapi.IsTransient(err) {
			log.Printf("transient failure handling push, acknowledging to avoid a retry storm: %v", err)
			c.JSON(http.StatusOK, gin.H{"ok": true, "retryable_error": err.Error()})
			return
		}
		log.Printf("push handling failed: %v", err)
		c.JSON(http.StatusOK, gin.H{"ok": true, "error": err.Error()})
		return
	}

	log.Printf("push handled: mode=%s cursor=%d->%d", result.Mode, result.CursorBefore, result.CursorAfter)
	c.JSON(http.StatusOK, gin.H{"ok": true, "result": result})
}

func (s *Server) requireAdminToken(c *gin.Context) {
	if s.opts.AdminToken == "" {
		c.Next()
		return
	}
	provided := c.GetHeader(adminTokenHeader)
	if subtle.ConstantTimeCompare([]byte(provided), []byte(s.opts.AdminToken)) != 1 {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Next()
}

func (s *Server) handleStartWatch(c *gin.Context) {
	if !s.opMu.TryLock() {
		c.JSON(http.StatusOK, gin.H{"ok": true, "skipped": "busy"})
		return
	}
	defer s.opMu.Unlock()

	result, err := s.opts.Registrar.StartWatch(c.Request.Context())
	if err != nil {
		if gapi.IsTransient(err) {
			c.JSON(http.StatusOK, gin.H{"ok": false, "retryable": true, "error": err.Error()})
			return
		}
		log.Printf("start-watch failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "watch": result})
}

func (s *Server) handleFullSync(c *gin.Context) {
	maxCycles := s.opts.DefaultMaxCycles
	if raw := c.Query("max_cycles"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "max_cycles must be a positive integer"})
			return
		}
		maxCycles = n
	}

	if !s.opMu.TryLock() {
		c.JSON(http.StatusOK, gin.H{"ok": true, "skipped": "busy"})
		return
	}
	defer s.opMu.Unlock()

	summary, err := s.opts.Poller.FullSync(c.Request.Context(), maxCycles)
	if err != nil {
		if gapi.IsTransient(err) {
			c.JSON(http.StatusOK, gin.H{"ok": false, "retryable": true, "error": err.Error()})
			return
		}
		log.Printf("full-sync failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "summary": summary})
}

func (s *Server) handleState(c *gin.Context) {
	ws, err := s.opts.State.Load(c.Request.Context())
	if errors.Is(err, state.ErrNotFound) {
		c.JSON(http.StatusOK, gin.H{})
		return
	}
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, ws)
}
