package rest

import (
	"context"
	"crypto/tls"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"authgate/internal/audit"
	"authgate/internal/auth"
	"authgate/internal/config"
)

const requestIDHeader = "X-Request-ID"

// SubjectStore is the audit trail the admin API reads from.
type SubjectStore interface {
	List(ctx context.Context, limit int) ([]audit.Subject, error)
	Get(ctx context.Context, subject string) (*audit.Subject, error)
	Ping(ctx context.Context) error
}

// LoopState reports whether the cache loop is serving.
type LoopState interface {
	Running() bool
}

type Server struct {
	cfg      *config.Config
	authn    *auth.Authenticator
	subjects SubjectStore // nil when auditing is disabled
	loop     LoopState
	log      *log.Logger
	r        *gin.Engine
	srv      *http.Server

	stopOnce sync.Once
	stop     chan struct{}
}

func NewServer(cfg *config.Config, authn *auth.Authenticator, subjects SubjectStore, loop LoopState, logger *log.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	// Forwarding headers count only from cfg.TrustedProxies; with none,
	// ClientIP is the TCP peer.
	if err := r.SetTrustedProxies(cfg.TrustedProxies); err != nil {
		logger.Error("invalid trusted_proxies, trusting none", "err", err)
		_ = r.SetTrustedProxies(nil)
	}
	r.Use(requestID())
	r.Use(accessLog(logger))
	r.Use(gin.Recovery())

	s := &Server{
		cfg:      cfg,
		authn:    authn,
		subjects: subjects,
		loop:     loop,
		log:      logger,
		r:        r,
		stop:     make(chan struct{}),
	}
	s.srv = &http.Server{
		Addr:              cfg.Listen,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          logger.StandardLog(log.StandardLogOptions{ForceLevel: log.ErrorLevel}),
	}

	// Public endpoints (no auth)
	r.GET("/health", s.health)

	api := r.Group("/")
	api.Use(authn.Middleware())
	{
		api.GET("/me", s.me)
	}

	if cfg.Admin.TokenHash == "" {
		logger.Warn("admin.token_hash is not set, admin endpoints disabled")
		return s
	}
	admin := r.Group("/admin")
	if len(cfg.Admin.AllowedCIDRs) > 0 {
		admin.Use(ipACLMiddleware(cfg.Admin.AllowedCIDRs, logger))
	}
	admin.Use(s.adminAuth)
	{
		admin.GET("/cache", s.cacheState)
		admin.DELETE("/cache", s.purgeCache)
		admin.DELETE("/cache/:subject", s.forgetSubject)
		admin.GET("/subjects", s.listSubjects)
		admin.GET("/subjects/:subject", s.getSubject)
	}
	return s
}

// Start serves until Shutdown. It returns nil after a graceful shutdown.
func (s *Server) Start() error {
	s.log.Info("listening", "addr", s.cfg.Listen, "tls", s.cfg.TLS.Enabled())

	var err error
	if s.cfg.TLS.Enabled() {
		cr, cerr := newCertReloader(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile, s.log)
		if cerr != nil {
			return cerr
		}
		go cr.startReloading(time.Duration(s.cfg.TLS.ReloadSec)*time.Second, s.stop)
		s.srv.TLSConfig = &tls.Config{
			GetCertificate: cr.getCertificate,
			MinVersion:     tls.VersionTLS12,
		}
		err = s.srv.ListenAndServeTLS("", "")
	} else {
		err = s.srv.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stop) })
	return s.srv.Shutdown(ctx)
}

// Handler exposes the router, mostly for tests.
func (s *Server) Handler() http.Handler { return s.r }

// Middleware

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(requestIDHeader, id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

func accessLog(logger *log.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("api",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"latency", time.Since(start),
			"client", c.ClientIP(),
			"request_id", c.GetString(requestIDHeader),
		)
	}
}

// adminAuth checks X-Admin-Token against the configured bcrypt hash.
func (s *Server) adminAuth(c *gin.Context) {
	token := c.GetHeader("X-Admin-Token")
	if token == "" || bcrypt.CompareHashAndPassword([]byte(s.cfg.Admin.TokenHash), []byte(token)) != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Next()
}

// Handlers

// health returns server health status
func (s *Server) health(c *gin.Context) {
	status := "ok"
	loopStatus := "ok"
	if !s.loop.Running() {
		loopStatus = "stopped"
		status = "degraded"
	}

	response := gin.H{
		"status": status,
		"loop":   loopStatus,
	}

	if s.subjects != nil {
		dbStatus := "ok"
		if err := s.subjects.Ping(c.Request.Context()); err != nil {
			dbStatus = "unreachable"
			status = "degraded"
		}
		response["db"] = dbStatus
		response["status"] = status
	}

	if st, err := s.authn.State(c.Request.Context()); err == nil {
		response["cache_size"] = st.Stats.Size
	}

	if status == "ok" {
		c.JSON(http.StatusOK, response)
	} else {
		c.JSON(http.StatusServiceUnavailable, response)
	}
}

func (s *Server) me(c *gin.Context) {
	p, ok := auth.PrincipalFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *Server) cacheState(c *gin.Context) {
	st, err := s.authn.State(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) purgeCache(c *gin.Context) {
	n, err := s.authn.Purge(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	s.log.Info("user cache purged", "entries", n)
	c.JSON(http.StatusOK, gin.H{"removed": n})
}

func (s *Server) forgetSubject(c *gin.Context) {
	ok, err := s.authn.Forget(c.Request.Context(), c.Param("subject"))
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "not cached"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) listSubjects(c *gin.Context) {
	if s.subjects == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "audit disabled"})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
		return
	}
	rows, err := s.subjects.List(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, rows)
}

func (s *Server) getSubject(c *gin.Context) {
	if s.subjects == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "audit disabled"})
		return
	}
	row, err := s.subjects.Get(c.Request.Context(), c.Param("subject"))
	if errors.Is(err, audit.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, row)
}
