// Package api exposes the exchange over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/cors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/spigell/service-exchange/internal/auth"
	"github.com/spigell/service-exchange/internal/lifecycle"
	"github.com/spigell/service-exchange/internal/logger"
	"github.com/spigell/service-exchange/internal/market"
	"github.com/spigell/service-exchange/internal/matching"
)

const (
	DefaultListen    = ":8080"
	DefaultRateLimit = 1.0
	DefaultRateBurst = 5

	usernameKey = "username"
	tokenKey    = "token"
)

type Config struct {
	Listen      string   `mapstructure:"listen"`
	CORSOrigins []string `mapstructure:"cors-origins"`
	// RateLimit is the per-IP request rate on /register and /login, per second.
	RateLimit float64 `mapstructure:"rate-limit"`
	RateBurst int     `mapstructure:"rate-burst"`
}

type Deps struct {
	Auth      *auth.Service
	Accounts  *market.AccountRegistry
	Bids      *market.BidRegistry
	Jobs      *market.JobRegistry
	Engine    *matching.Engine
	Lifecycle *lifecycle.Manager
	Logger    *zap.Logger
	Now       func() time.Time
}

type Server struct {
	cfg    Config
	deps   *Deps
	echo   *echo.Echo
	logger *zap.Logger
	http   *http.Server
}

func New(cfg *Config, deps *Deps) *Server {
	c := Config{}
	if cfg != nil {
		c = *cfg
	}
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.RateLimit <= 0 {
		c.RateLimit = DefaultRateLimit
	}
	if c.RateBurst <= 0 {
		c.RateBurst = DefaultRateBurst
	}
	if len(c.CORSOrigins) == 0 {
		c.CORSOrigins = []string{"*"}
	}

	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}

	s := &Server{cfg: c, deps: deps, logger: log}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.httpError

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(s.requestLogger())

	e.GET("/ping", s.ping)
	e.POST("/ping", s.ping)
	e.GET("/health", s.health)
	e.GET("/exchange_data", s.exchangeData)

	// Per-route middleware keeps unknown paths at 404.
	limited := s.rateLimiter()
	e.POST("/register", s.register, limited)
	e.POST("/login", s.login, limited)

	e.POST("/logout", s.logout, s.authenticate)
	e.GET("/account", s.account, s.authenticate)
	e.POST("/submit_bid", s.submitBid, s.authenticate)
	e.POST("/cancel_bid", s.cancelBid, s.authenticate)
	e.POST("/grab_job", s.grabJob, s.authenticate)
	e.POST("/reject_job", s.rejectJob, s.authenticate)
	e.POST("/sign_job", s.signJob, s.authenticate)
	e.POST("/nearby", s.nearby, s.authenticate)
	e.GET("/my_bids", s.myBids, s.authenticate)
	e.GET("/my_jobs", s.myJobs, s.authenticate)

	s.echo = e
	return s
}

func (s *Server) now() time.Time {
	if s.deps.Now != nil {
		return s.deps.Now()
	}
	return time.Now()
}

// Handler returns the routes wrapped with CORS handling.
func (s *Server) Handler() http.Handler {
	return cors.New(cors.Options{
		AllowedOrigins: s.cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		ExposedHeaders: []string{matchOutcomeHeader},
	}).Handler(s.echo)
}

// ListenAndServe blocks until the server stops. A clean Shutdown is not an error.
func (s *Server) ListenAndServe() error {
	s.http = &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	s.logger.Info("listening", zap.String("addr", s.cfg.Listen))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) requestLogger() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogRemoteIP:  true,
		LogRequestID: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			username, _ := c.Get(usernameKey).(string)
			s.logger.Info("request", logger.RequestFields(logger.Request{
				Method:    v.Method,
				URI:       v.URI,
				Status:    v.Status,
				Latency:   v.Latency,
				RemoteIP:  v.RemoteIP,
				RequestID: v.RequestID,
				Username:  username,
			})...)
			return nil
		},
	})
}

func (s *Server) rateLimiter() echo.MiddlewareFunc {
	return middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Store: middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
			Rate:      rate.Limit(s.cfg.RateLimit),
			Burst:     s.cfg.RateBurst,
			ExpiresIn: 3 * time.Minute,
		}),
		IdentifierExtractor: func(c echo.Context) (string, error) {
			return c.RealIP(), nil
		},
		ErrorHandler: func(c echo.Context, _ error) error {
			return c.JSON(http.StatusForbidden, echo.Map{"error": "could not identify client"})
		},
		DenyHandler: func(c echo.Context, _ string, _ error) error {
			return c.JSON(http.StatusTooManyRequests, echo.Map{"error": "too many requests"})
		},
	})
}

func (s *Server) authenticate(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		header := c.Request().Header.Get(echo.HeaderAuthorization)
		token, ok := bearerToken(header)
		if !ok {
			return respondError(c, s.logger, market.Errorf(market.KindUnauthorized, "token is missing"))
		}

		username, err := s.deps.Auth.Authenticate(c.Request().Context(), token)
		if err != nil {
			return respondError(c, s.logger, err)
		}

		c.Set(usernameKey, username)
		c.Set(tokenKey, token)
		return next(c)
	}
}

func bearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(prefix):])
	return token, token != ""
}

func currentUser(c echo.Context) string {
	username, _ := c.Get(usernameKey).(string)
	return username
}
