package agent

import (
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/JaimeCernuda/agentic-deployment-engine-sub000/pkg/a2a"
	"github.com/JaimeCernuda/agentic-deployment-engine-sub000/pkg/agentregistry"
	"github.com/JaimeCernuda/agentic-deployment-engine-sub000/pkg/backend"
	"github.com/JaimeCernuda/agentic-deployment-engine-sub000/pkg/session"
)

// Server serves the A2A HTTP surface for one agent process.
type Server struct {
	cfg          Config
	class        Class
	backend      backend.Backend
	store        *session.Store
	tools        []backend.Tool
	guard        a2a.Guard
	registry     *agentregistry.Registry
	systemPrompt string
	logger       *slog.Logger

	// inFlight caps concurrent /query requests; acquisition is non-blocking
	// so excess load fails fast with 429.
	inFlight chan struct{}
}

// NewServer wires the HTTP layer over an initialized runtime.
func NewServer(cfg Config, class Class, be backend.Backend, store *session.Store,
	tools []backend.Tool, guard a2a.Guard, registry *agentregistry.Registry, systemPrompt string) *Server {
	return &Server{
		cfg:          cfg,
		class:        class,
		backend:      be,
		store:        store,
		tools:        tools,
		guard:        guard,
		registry:     registry,
		systemPrompt: systemPrompt,
		logger:       slog.With("agent", cfg.Name),
		inFlight:     make(chan struct{}, cfg.MaxInFlight),
	}
}

// Handler builds the gin engine with all routes mounted.
func (s *Server) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	// Open endpoints: health and discovery never require auth.
	r.GET("/health", s.handleHealth)
	r.GET("/.well-known/agent-configuration", s.handleAgentCard)

	r.POST("/query", s.authMiddleware(), s.capMiddleware(), s.handleQuery)
	return r
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"agent":  s.cfg.Name,
	})
}

// Card is the discovery document for this agent.
func (s *Server) Card() a2a.AgentCard {
	return a2a.AgentCard{
		Name:        s.cfg.Name,
		Description: s.class.Description(),
		URL:         fmt.Sprintf("http://127.0.0.1:%d", s.cfg.Port),
		Version:     defaultRuntimeVersion,
		Skills:      s.class.Skills(),
	}
}

func (s *Server) handleAgentCard(c *gin.Context) {
	c.JSON(http.StatusOK, s.Card())
}

// authMiddleware enforces the optional API key from header or query param
// with a constant-time comparison.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.cfg.AuthRequired {
			c.Next()
			return
		}
		key := c.GetHeader("X-API-Key")
		if key == "" {
			key = c.Query("api_key")
		}
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.cfg.APIKey)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody("auth", "missing or invalid API key"))
			return
		}
		c.Next()
	}
}

// capMiddleware rejects requests over the in-flight limit with 429.
func (s *Server) capMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		select {
		case s.inFlight <- struct{}{}:
			defer func() { <-s.inFlight }()
			c.Next()
		default:
			c.AbortWithStatusJSON(http.StatusTooManyRequests, errorBody("overloaded", "too many in-flight queries"))
		}
	}
}

func errorBody(kind, message string) gin.H {
	return gin.H{"error": gin.H{"kind": kind, "message": message}}
}
