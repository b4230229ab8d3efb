// Package statusserver exposes the optional read-only status surface:
// a JSON snapshot endpoint plus a websocket push per tick. It never
// mutates supervisor state; when no address is configured the rest of
// the process behaves identically.
package statusserver

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/pocketwalk/pocketwalk/internal/domain/pocketwalk"
)

// Server serves GET /status and GET /ws on a single address.
type Server struct {
	server *http.Server
	hub    *Hub
	logger *zap.Logger

	mu       sync.RWMutex
	snapshot pocketwalk.StatusSnapshot
}

// NewServer builds the gin router and the websocket hub; Start must be
// called to begin listening.
func NewServer(addr string, logger *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(ginLogger(logger))

	s := &Server{
		hub:    NewHub(logger),
		logger: logger,
	}
	router.GET("/status", s.handleStatus)
	router.GET("/ws", s.handleWS)

	s.server = &http.Server{Addr: addr, Handler: router}
	return s
}

// Start begins serving in the background.
func (s *Server) Start(ctx context.Context) {
	s.logger.Info("starting status server", zap.String("address", s.server.Addr))
	go s.hub.Run(ctx)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("status server error", zap.Error(err))
		}
	}()
}

// Stop shuts the listener down.
func (s *Server) Stop() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("status server shutdown", zap.Error(err))
	}
}

// Publish records the tick's snapshot and pushes it to every websocket
// subscriber.
func (s *Server) Publish(snapshot pocketwalk.StatusSnapshot) {
	s.mu.Lock()
	s.snapshot = snapshot
	s.mu.Unlock()
	s.hub.Broadcast(snapshot)
}

func (s *Server) handleStatus(c *gin.Context) {
	s.mu.RLock()
	snapshot := s.snapshot
	s.mu.RUnlock()
	c.JSON(http.StatusOK, snapshot)
}

func (s *Server) handleWS(c *gin.Context) {
	s.hub.Serve(c.Writer, c.Request)
}

func ginLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}
