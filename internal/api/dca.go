package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/stratexbot/stratex/internal/database"
	"github.com/stratexbot/stratex/internal/grid"
)

var knownTPModes = map[string]bool{
	database.TPModePerLeg:           true,
	database.TPModeAggregate:        true,
	database.TPModeHybrid:           true,
	database.TPModePyramidAggregate: true,
}

// levelInput mirrors the preset level shape: percent gap below base, weight
// of capital, per-leg TP percent.
type levelInput struct {
	Gap    decimal.Decimal `json:"gap"`
	Weight decimal.Decimal `json:"weight"`
	TP     decimal.Decimal `json:"tp"`
}

func toGridLevels(in []levelInput) []grid.Level {
	out := make([]grid.Level, 0, len(in))
	for _, lv := range in {
		out = append(out, grid.Level{GapPercent: lv.Gap, WeightPercent: lv.Weight, TPPercent: lv.TP})
	}
	return out
}

// validateLevels applies the static checks the grid calculator will make
// at execution time, so a broken template is rejected at write time and
// not at the first signal.
func validateLevels(levels []grid.Level) string {
	if len(levels) == 0 {
		return "at least one level is required"
	}
	sum := decimal.Zero
	hundred := decimal.NewFromInt(100)
	for _, lv := range levels {
		if !lv.WeightPercent.IsPositive() {
			return "level weights must be positive"
		}
		if lv.GapPercent.LessThanOrEqual(hundred.Neg()) {
			return "level gap must stay above -100"
		}
		if lv.TPPercent.IsNegative() {
			return "level tp must not be negative"
		}
		sum = sum.Add(lv.WeightPercent)
	}
	if !sum.Equal(hundred) {
		return "level weights must sum to 100, got " + sum.String()
	}
	return ""
}

func (s *Server) handleDCAList(c *gin.Context) {
	user, ok := s.loadUser(c)
	if !ok {
		return
	}
	cfgs, err := s.deps.DB.DCAConfigsForUser(user.ID)
	if err != nil {
		fail(c, http.StatusInternalServerError, "query failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"configs": cfgs, "count": len(cfgs)})
}

// handleDCACreate writes the grid template for one (pair, timeframe,
// exchange) scope, replacing an existing one.
func (s *Server) handleDCACreate(c *gin.Context) {
	user, ok := s.loadUser(c)
	if !ok {
		return
	}

	var req struct {
		Pair               string           `json:"pair"`
		Timeframe          string           `json:"timeframe"`
		Exchange           string           `json:"exchange"`
		TPMode             string           `json:"tp_mode"`
		TPAggregatePercent *decimal.Decimal `json:"tp_aggregate_percent"`
		MaxPyramids        *int             `json:"max_pyramids"`
		DefaultCapital     *decimal.Decimal `json:"default_capital"`
		Levels             []levelInput     `json:"levels"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid body")
		return
	}

	cfg := &database.DCAConfiguration{
		UserID:             user.ID,
		Pair:               strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(req.Pair), "/", "")),
		Timeframe:          strings.ToLower(strings.TrimSpace(req.Timeframe)),
		Exchange:           strings.ToLower(strings.TrimSpace(req.Exchange)),
		TPMode:             database.TPModePerLeg,
		TPAggregatePercent: decimal.NewFromInt(1),
		MaxPyramids:        3,
		DefaultCapital:     decimal.NewFromInt(1000),
	}
	if cfg.Pair == "" || cfg.Timeframe == "" || cfg.Exchange == "" {
		fail(c, http.StatusBadRequest, "pair, timeframe and exchange are required")
		return
	}

	if req.TPMode != "" {
		mode := strings.ToLower(strings.TrimSpace(req.TPMode))
		if !knownTPModes[mode] {
			fail(c, http.StatusBadRequest, "unknown tp_mode "+mode)
			return
		}
		cfg.TPMode = mode
	}
	if req.TPAggregatePercent != nil {
		if !req.TPAggregatePercent.IsPositive() {
			fail(c, http.StatusBadRequest, "tp_aggregate_percent must be positive")
			return
		}
		cfg.TPAggregatePercent = *req.TPAggregatePercent
	}
	if req.MaxPyramids != nil {
		if *req.MaxPyramids < 1 {
			fail(c, http.StatusBadRequest, "max_pyramids must be at least 1")
			return
		}
		cfg.MaxPyramids = *req.MaxPyramids
	}
	if req.DefaultCapital != nil {
		if !req.DefaultCapital.IsPositive() {
			fail(c, http.StatusBadRequest, "default_capital must be positive")
			return
		}
		cfg.DefaultCapital = *req.DefaultCapital
	}

	levels := toGridLevels(req.Levels)
	if msg := validateLevels(levels); msg != "" {
		fail(c, http.StatusBadRequest, msg)
		return
	}
	if err := cfg.SetLevels(levels); err != nil {
		fail(c, http.StatusInternalServerError, "encode levels failed")
		return
	}

	if err := s.deps.DB.UpsertDCAConfig(cfg); err != nil {
		fail(c, http.StatusInternalServerError, "save failed")
		return
	}
	c.JSON(http.StatusCreated, cfg)
}

// handleDCAFromPreset instantiates a catalog preset for one scope.
func (s *Server) handleDCAFromPreset(c *gin.Context) {
	user, ok := s.loadUser(c)
	if !ok {
		return
	}

	var req struct {
		Preset    string `json:"preset"`
		Pair      string `json:"pair"`
		Timeframe string `json:"timeframe"`
		Exchange  string `json:"exchange"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid body")
		return
	}

	preset, found := s.deps.Presets[strings.ToLower(strings.TrimSpace(req.Preset))]
	if !found {
		fail(c, http.StatusNotFound, "unknown preset "+req.Preset)
		return
	}

	aggregate, err := decimal.NewFromString(preset.TPAggregatePercent)
	if err != nil {
		aggregate = decimal.NewFromInt(1)
	}
	cfg := &database.DCAConfiguration{
		UserID:             user.ID,
		Pair:               strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(req.Pair), "/", "")),
		Timeframe:          strings.ToLower(strings.TrimSpace(req.Timeframe)),
		Exchange:           strings.ToLower(strings.TrimSpace(req.Exchange)),
		TPMode:             preset.TPMode,
		TPAggregatePercent: aggregate,
		MaxPyramids:        preset.MaxPyramids,
		DefaultCapital:     preset.CapitalDecimal(),
	}
	if cfg.Pair == "" || cfg.Timeframe == "" || cfg.Exchange == "" {
		fail(c, http.StatusBadRequest, "pair, timeframe and exchange are required")
		return
	}

	levels, err := preset.GridLevels()
	if err != nil {
		fail(c, http.StatusInternalServerError, "preset levels invalid")
		return
	}
	if err := cfg.SetLevels(levels); err != nil {
		fail(c, http.StatusInternalServerError, "encode levels failed")
		return
	}

	if err := s.deps.DB.UpsertDCAConfig(cfg); err != nil {
		fail(c, http.StatusInternalServerError, "save failed")
		return
	}
	c.JSON(http.StatusCreated, cfg)
}

// handleDCAUpdate patches one template by id. Scope fields are immutable;
// delete and recreate to move a template.
func (s *Server) handleDCAUpdate(c *gin.Context) {
	user, ok := s.loadUser(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	cfg, err := s.deps.DB.DCAConfigByID(id)
	if err != nil || cfg.UserID != user.ID {
		fail(c, http.StatusNotFound, "dca config not found")
		return
	}

	var req struct {
		TPMode             *string          `json:"tp_mode"`
		TPAggregatePercent *decimal.Decimal `json:"tp_aggregate_percent"`
		MaxPyramids        *int             `json:"max_pyramids"`
		DefaultCapital     *decimal.Decimal `json:"default_capital"`
		Levels             []levelInput     `json:"levels"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid body")
		return
	}

	if req.TPMode != nil {
		mode := strings.ToLower(strings.TrimSpace(*req.TPMode))
		if !knownTPModes[mode] {
			fail(c, http.StatusBadRequest, "unknown tp_mode "+mode)
			return
		}
		cfg.TPMode = mode
	}
	if req.TPAggregatePercent != nil {
		if !req.TPAggregatePercent.IsPositive() {
			fail(c, http.StatusBadRequest, "tp_aggregate_percent must be positive")
			return
		}
		cfg.TPAggregatePercent = *req.TPAggregatePercent
	}
	if req.MaxPyramids != nil {
		if *req.MaxPyramids < 1 {
			fail(c, http.StatusBadRequest, "max_pyramids must be at least 1")
			return
		}
		cfg.MaxPyramids = *req.MaxPyramids
	}
	if req.DefaultCapital != nil {
		if !req.DefaultCapital.IsPositive() {
			fail(c, http.StatusBadRequest, "default_capital must be positive")
			return
		}
		cfg.DefaultCapital = *req.DefaultCapital
	}
	if req.Levels != nil {
		levels := toGridLevels(req.Levels)
		if msg := validateLevels(levels); msg != "" {
			fail(c, http.StatusBadRequest, msg)
			return
		}
		if err := cfg.SetLevels(levels); err != nil {
			fail(c, http.StatusInternalServerError, "encode levels failed")
			return
		}
	}

	if err := s.deps.DB.SaveDCAConfig(cfg); err != nil {
		fail(c, http.StatusInternalServerError, "save failed")
		return
	}
	c.JSON(http.StatusOK, cfg)
}

func (s *Server) handleDCADelete(c *gin.Context) {
	user, ok := s.loadUser(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	if err := s.deps.DB.DeleteDCAConfig(user.ID, id); err != nil {
		if database.IsNotFound(err) {
			fail(c, http.StatusNotFound, "dca config not found")
			return
		}
		fail(c, http.StatusInternalServerError, "delete failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "deleted": true})
}
