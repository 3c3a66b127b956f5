package api

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/stratexbot/stratex/internal/config"
	"github.com/stratexbot/stratex/internal/crypto"
	"github.com/stratexbot/stratex/internal/database"
	"github.com/stratexbot/stratex/internal/lockstore"
	"github.com/stratexbot/stratex/internal/logging"
	"github.com/stratexbot/stratex/internal/position"
	"github.com/stratexbot/stratex/internal/queue"
	"github.com/stratexbot/stratex/internal/risk"
	"github.com/stratexbot/stratex/internal/signal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// API SERVER - Webhook intake + operator REST surface
// ═══════════════════════════════════════════════════════════════════════════════
//
// Two halves behind one listener:
//
//   POST /webhooks/:user_id/tradingview   authenticated by the per-user
//                                         webhook secret inside the body
//   /api/v1/*                             operator surface, X-API-Key header
//
// The webhook handler only translates router results and sentinel errors
// into status codes; admission logic lives in the signal router. Operator
// handlers are thin wrappers over the managers they drive.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Deps wires the server into the rest of the process.
type Deps struct {
	Config    *config.Config
	DB        *database.Database
	Locks     *lockstore.Store
	Vault     *crypto.Vault
	Signals   *signal.Router
	Positions *position.Manager
	Queue     *queue.Manager
	Risk      *risk.Engine
	Presets   map[string]config.Preset
	Ring      *logging.Ring
}

type Server struct {
	deps Deps
	http *http.Server
}

func New(deps Deps) *Server {
	return &Server{deps: deps}
}

// Router assembles the gin engine. Exposed so tests can drive it with
// httptest without binding a port.
func (s *Server) Router() *gin.Engine {
	if !s.deps.Config.Development() {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery(), requestID(), s.cors())

	r.GET("/healthz", s.handleHealthz)
	r.GET("/health/services", s.handleServices)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.POST("/webhooks/:user_id/tradingview", s.handleWebhook)

	v1 := r.Group("/api/v1", s.auth())
	v1.GET("/logs", s.handleLogs)
	v1.GET("/presets", s.handlePresets)

	positions := v1.Group("/positions")
	positions.GET("", s.handlePositionList)
	positions.GET("/:id", s.handlePositionGet)
	positions.POST("/:id/close", s.handlePositionClose)

	q := v1.Group("/queue")
	q.GET("", s.handleQueueList)
	q.POST("/:id/promote", s.handleQueuePromote)
	q.POST("/:id/force-add", s.handleQueueForceAdd)
	q.DELETE("/:id", s.handleQueueRemove)

	rk := v1.Group("/risk")
	rk.GET("/actions", s.handleRiskActions)
	rk.POST("/run-evaluation", s.handleRiskRun)
	rk.POST("/:group_id/block", s.handleRiskBlock)
	rk.POST("/:group_id/unblock", s.handleRiskUnblock)
	rk.POST("/:group_id/skip", s.handleRiskSkip)

	users := v1.Group("/users")
	users.GET("", s.handleUserList)
	users.POST("", s.handleUserCreate)

	u := users.Group("/:user_id")
	u.GET("", s.handleUserGet)
	u.PUT("/settings", s.handleUserSettings)
	u.POST("/rotate-secret", s.handleRotateSecret)
	u.PUT("/telegram", s.handleTelegram)
	u.GET("/risk-settings", s.handleRiskSettingsGet)
	u.PUT("/risk-settings", s.handleRiskSettingsPut)
	u.GET("/credentials", s.handleCredentialList)
	u.PUT("/credentials/:exchange", s.handleCredentialPut)
	u.DELETE("/credentials/:exchange", s.handleCredentialDelete)
	u.GET("/dca-configs", s.handleDCAList)
	u.POST("/dca-configs", s.handleDCACreate)
	u.POST("/dca-configs/from-preset", s.handleDCAFromPreset)
	u.PUT("/dca-configs/:id", s.handleDCAUpdate)
	u.DELETE("/dca-configs/:id", s.handleDCADelete)

	return r
}

// Start serves in the background; ListenAndServe errors other than a clean
// shutdown are logged, not returned.
func (s *Server) Start() {
	s.http = &http.Server{
		Addr:              s.deps.Config.ListenAddr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("API server failed")
		}
	}()
	log.Info().Str("addr", s.deps.Config.ListenAddr).Msg("🌐 API server started")
}

func (s *Server) Stop(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	err := s.http.Shutdown(ctx)
	log.Info().Msg("API server stopped")
	return err
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleServices reports the heartbeat of every background loop. Heartbeat
// entries expire with their TTL, so absence means the loop missed its beat.
func (s *Server) handleServices(c *gin.Context) {
	services := gin.H{}
	if s.deps.Locks != nil {
		beats, err := s.deps.Locks.Heartbeats()
		if err != nil {
			fail(c, http.StatusInternalServerError, "heartbeat store unavailable")
			return
		}
		now := time.Now()
		for name, at := range beats {
			services[name] = gin.H{
				"last_beat":   at.UTC().Format(time.RFC3339),
				"age_seconds": int64(now.Sub(at).Seconds()),
			}
		}
	}
	c.JSON(http.StatusOK, gin.H{"services": services})
}

func (s *Server) handleLogs(c *gin.Context) {
	tail := 200
	if v := c.Query("tail"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 2000 {
			tail = n
		}
	}
	lines := []string{}
	if s.deps.Ring != nil {
		lines = s.deps.Ring.Recent(tail)
	}
	c.JSON(http.StatusOK, gin.H{"lines": lines, "count": len(lines)})
}

func (s *Server) handlePresets(c *gin.Context) {
	names := make([]string, 0, len(s.deps.Presets))
	for name := range s.deps.Presets {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]gin.H, 0, len(names))
	for _, name := range names {
		p := s.deps.Presets[name]
		out = append(out, gin.H{
			"name":                 p.Name,
			"description":          p.Description,
			"tp_mode":              p.TPMode,
			"tp_aggregate_percent": p.TPAggregatePercent,
			"max_pyramids":         p.MaxPyramids,
			"capital":              p.Capital,
			"levels":               p.Levels,
		})
	}
	c.JSON(http.StatusOK, gin.H{"presets": out})
}

// fail is the single error response shape for the whole surface.
func fail(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}

// pathID parses a positive integer path segment.
func pathID(c *gin.Context, name string) (uint, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || id == 0 {
		fail(c, http.StatusBadRequest, "invalid "+name)
		return 0, false
	}
	return uint(id), true
}
