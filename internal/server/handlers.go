package server

import (
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"antares/internal/auth"
	"antares/internal/pipeline"
)

type healthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version,omitempty"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Sources       int    `json:"sources"`
	Running       int    `json:"running"`
}

func (s *Server) health(c *gin.Context) {
	sum := s.registry.Summary()
	c.JSON(http.StatusOK, healthResponse{
		Status:        "ok",
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Sources:       sum.Sources,
		Running:       sum.Running,
	})
}

// ready reports 200 once at least one source is producing frames.
func (s *Server) ready(c *gin.Context) {
	states := make(map[int]string, s.registry.Len())
	running := 0
	for _, snap := range s.registry.AllMetrics() {
		states[snap.SourceID] = snap.Status.String()
		if snap.Status.State == pipeline.StateRunning {
			running++
		}
	}
	code := http.StatusOK
	if running == 0 {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"ready": running > 0, "sources": states})
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (s *Server) login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "message": err.Error()})
		return
	}

	token, expiresAt, err := s.auth.Authenticate(req.Username, req.Password)
	switch {
	case errors.Is(err, auth.ErrAuthDisabled):
		c.JSON(http.StatusBadRequest, gin.H{"error": "authentication is disabled"})
		return
	case err != nil:
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid username or password"})
		return
	}
	c.JSON(http.StatusOK, loginResponse{Token: token, ExpiresAt: expiresAt})
}

func (s *Server) authStatus(c *gin.Context) {
	resp := gin.H{"enabled": s.auth.IsEnabled(), "authenticated": false}
	if token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer "); ok && s.auth.IsEnabled() {
		if claims, err := s.auth.ValidateToken(token); err == nil {
			resp["authenticated"] = true
			resp["username"] = claims.Username
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) videoFeed(c *gin.Context) {
	id, ok := s.sourceID(c)
	if !ok {
		return
	}
	s.streams.ServeMJPEG(c.Writer, c.Request, id)
}

func (s *Server) snapshot(c *gin.Context) {
	id, ok := s.sourceID(c)
	if !ok {
		return
	}
	s.streams.ServeSnapshot(c.Writer, c.Request, id)
}

func (s *Server) videoSocket(c *gin.Context) {
	id, ok := s.sourceID(c)
	if !ok {
		return
	}
	s.streams.ServeWebSocket(c.Writer, c.Request, id)
}

func (s *Server) allPerformance(c *gin.Context) {
	snaps := s.registry.AllMetrics()
	for i := range snaps {
		snaps[i] = snaps[i].Rounded()
	}
	c.JSON(http.StatusOK, snaps)
}

func (s *Server) performance(c *gin.Context) {
	id, ok := s.sourceID(c)
	if !ok {
		return
	}
	snap, err := s.registry.CurrentMetrics(id)
	if err != nil {
		s.registryError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap.Rounded())
}

func (s *Server) allHistory(c *gin.Context) {
	all := s.registry.AllHistory()
	for _, h := range all {
		roundAll(h)
	}
	c.JSON(http.StatusOK, all)
}

func (s *Server) history(c *gin.Context) {
	id, ok := s.sourceID(c)
	if !ok {
		return
	}
	h, err := s.registry.MetricsHistory(id)
	if err != nil {
		s.registryError(c, err)
		return
	}
	c.JSON(http.StatusOK, roundAll(h))
}

func roundAll(h []pipeline.PerformanceSnapshot) []pipeline.PerformanceSnapshot {
	for i := range h {
		h[i] = h[i].Rounded()
	}
	return h
}

func (s *Server) summary(c *gin.Context) {
	c.JSON(http.StatusOK, s.registry.Summary())
}

type sourceResponse struct {
	ID            int     `json:"id"`
	Name          string  `json:"name"`
	Locator       string  `json:"locator"`
	Width         int     `json:"width"`
	Height        int     `json:"height"`
	InputSize     int     `json:"input_size"`
	Confidence    float64 `json:"confidence"`
	Status        string  `json:"status"`
	DroppedFrames uint64  `json:"dropped_frames"`
}

func (s *Server) sources(c *gin.Context) {
	configs := s.registry.Sources()
	snaps := s.registry.AllMetrics()
	out := make([]sourceResponse, len(configs))
	for i, cfg := range configs {
		out[i] = sourceResponse{
			ID:         cfg.ID,
			Name:       cfg.Name,
			Locator:    redactLocator(cfg.Locator),
			Width:      cfg.Width,
			Height:     cfg.Height,
			InputSize:  cfg.InputSize,
			Confidence: cfg.Confidence,
		}
		if i < len(snaps) {
			out[i].Status = snaps[i].Status.String()
		}
		if dropped, err := s.registry.DroppedFrames(cfg.ID); err == nil {
			out[i].DroppedFrames = dropped
		}
	}
	c.JSON(http.StatusOK, out)
}

// redactedLocator replaces a locator that may carry credentials but cannot be
// parsed well enough to mask only the password.
const redactedLocator = "[redacted]"

// redactLocator hides passwords embedded in stream URLs.
func redactLocator(locator string) string {
	u, err := url.Parse(locator)
	if err != nil {
		return redactedLocator
	}
	if u.User == nil {
		if strings.Contains(locator, "@") {
			return redactedLocator
		}
		return locator
	}
	return u.Redacted()
}

func (s *Server) registryError(c *gin.Context, err error) {
	if errors.Is(err, pipeline.ErrUnknownSource) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	_ = c.Error(err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
