// Package rest implements the broker's administrative HTTP surface: a
// Noise-IK authenticated control plane for passport and topic
// management (spec §4.12), plus a WebSocket feed streaming TopicStore
// change notifications to connected admin clients.
package rest

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/primetype-labs/asmtpd/internal/identity"
	"github.com/primetype-labs/asmtpd/internal/passport"
	"github.com/primetype-labs/asmtpd/internal/session"
	"github.com/primetype-labs/asmtpd/internal/topicstore"
)

// RequestIDHeader carries the correlation id assigned to each request,
// echoed back so a caller can tie a response to the matching access-log
// line.
const RequestIDHeader = "X-Request-Id"

// SessionIDHeader is the HTTP header clients carry their session id
// (hex-encoded) in on every authenticated request, once discovered from
// the POST /auth handshake reply. The original never leaks session_id
// through a cookie; this header plays the same "client already knows
// it, server just looks it up" role.
const SessionIDHeader = "Session-Id"

// Config configures the REST server.
type Config struct {
	Listen  string
	Session session.Config
}

// DefaultConfig returns a Config with spec-default session timing.
func DefaultConfig() Config {
	return Config{
		Listen:  "0.0.0.0:8080",
		Session: session.DefaultConfig(),
	}
}

// Server is the broker's REST admin surface.
type Server struct {
	router    *gin.Engine
	log       *slog.Logger
	config    Config
	self      *identity.Identity
	passports *passport.Store
	topics    *topicstore.Store
	sessions  *session.Cache
	ws        *WSHandler
}

// New wires a Server around the broker's shared stores. self is the
// broker's own identity: its registered passport (if any) is consulted
// for the admin-authorization check on privileged routes.
func New(cfg Config, self *identity.Identity, passports *passport.Store, topics *topicstore.Store, log *slog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	s := &Server{
		router:    router,
		log:       log.With("component", "rest"),
		config:    cfg,
		self:      self,
		passports: passports,
		topics:    topics,
		sessions:  session.NewCache(cfg.Session),
	}
	router.Use(s.accessLogMiddleware())
	s.ws = NewWSHandler(topics, s.log)
	s.setupRoutes(router)
	return s
}

// Run starts the REST server, blocking until it exits.
func (s *Server) Run() error {
	s.log.Info("rest surface starting", "listen", s.config.Listen)
	if err := s.router.Run(s.config.Listen); err != nil {
		return fmt.Errorf("rest: serve: %w", err)
	}
	return nil
}

// accessLogMiddleware assigns a correlation id to every request and logs
// its outcome, the way zerogo's controller access-logs each API call.
func (s *Server) accessLogMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := uuid.NewString()
		c.Writer.Header().Set(RequestIDHeader, requestID)
		start := time.Now()

		c.Next()

		s.log.Info("request",
			"request_id", requestID,
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept, "+SessionIDHeader)

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	}
}
