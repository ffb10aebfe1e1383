package api

import (
	"context"
	"net/http"

	"bracket-core/internal/events"
	"bracket-core/internal/monitor"
	"bracket-core/internal/order"
	"bracket-core/pkg/db"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// Builder places manual brackets. *order.BuildService implements it.
type Builder interface {
	Build(ctx context.Context, userID int64, req order.BuildRequest) (*order.Confirmation, error)
}

// CredentialStore reads and writes a user's broker account.
// *credentials.Service implements it.
type CredentialStore interface {
	order.CredentialSource
	Put(ctx context.Context, userID int64, clientID, accessToken string) error
}

// Server wires HTTP endpoints around the bracket services.
type Server struct {
	Router      *gin.Engine
	Bus         *events.Bus
	Orders      *db.OrderStore
	Builder     Builder
	Credentials CredentialStore
	Prices      order.PriceResolver
	Metrics     *monitor.Metrics
	JWTSecret   string
}

func NewServer(bus *events.Bus, orders *db.OrderStore, builder Builder, creds CredentialStore,
	prices order.PriceResolver, metrics *monitor.Metrics, jwtSecret string) *Server {
	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger())
	r.Use(RateLimitMiddleware(rate.Limit(20), 50))
	r.Use(CORSMiddleware())

	s := &Server{
		Router:      r,
		Bus:         bus,
		Orders:      orders,
		Builder:     builder,
		Credentials: creds,
		Prices:      prices,
		Metrics:     metrics,
		JWTSecret:   jwtSecret,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ws", s.websocket)
	if s.Metrics != nil {
		s.Router.GET("/metrics", gin.WrapH(s.Metrics.Handler()))
	}

	protected := s.Router.Group("/api")
	protected.Use(AuthMiddleware(s.JWTSecret))
	{
		protected.POST("/manual-order/buildProcess", s.buildProcess)
		protected.GET("/orders", s.getOrders)
		protected.GET("/orders/:id/bracket", s.getBracket)
		protected.PUT("/credentials", s.putCredentials)
		protected.GET("/market/ltp", s.getLTP)
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}
