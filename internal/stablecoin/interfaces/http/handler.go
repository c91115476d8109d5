// Package http 稳定币引擎的 REST 接口。
package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/wyfcoding/stablecoin/internal/stablecoin/application"
	"github.com/wyfcoding/stablecoin/internal/stablecoin/domain"
)

// Handler 稳定币 HTTP 处理器
type Handler struct {
	analytics   *application.CollateralAnalyticsService
	issuance    *application.IssuanceService
	liquidation *application.LiquidationService
	stability   *application.StabilityService
}

// NewHandler 创建处理器
func NewHandler(
	analytics *application.CollateralAnalyticsService,
	issuance *application.IssuanceService,
	liquidation *application.LiquidationService,
	stability *application.StabilityService,
) *Handler {
	return &Handler{
		analytics:   analytics,
		issuance:    issuance,
		liquidation: liquidation,
		stability:   stability,
	}
}

// RegisterRoutes 注册路由
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	api := r.Group("/api/v1")
	{
		coins := api.Group("/stablecoins/:symbol")
		{
			coins.POST("/mint", h.Mint)
			coins.POST("/burn", h.Burn)
			coins.POST("/collateral", h.AddCollateral)

			coins.GET("/collateral/value", h.TotalCollateralValue)
			coins.GET("/collateral/distribution", h.Distribution)

			coins.GET("/liquidations/opportunities", h.Opportunities)
			coins.POST("/liquidations/auto", h.ProcessAutoLiquidations)
			coins.GET("/liquidations/cascade", h.EstimateCascade)

			coins.GET("/peg", h.CheckPegDeviation)
			coins.GET("/stability/fees", h.CalculateFeeAdjustment)
			coins.GET("/stability/incentives", h.CalculateSupplyIncentives)
			coins.GET("/stability/recommendations", h.Recommendations)
			coins.POST("/stability/apply", h.ApplyStabilityMechanism)
			coins.POST("/stability/emergency", h.ExecuteEmergencyActions)
		}

		positions := api.Group("/positions/:position_id")
		{
			positions.GET("/health", h.PositionHealth)
			positions.GET("/eligibility", h.CheckEligibility)
			positions.POST("/liquidate", h.Liquidate)
		}

		api.GET("/stability/monitor", h.MonitorAllPegs)
	}
}

// Mint 铸造稳定币
func (h *Handler) Mint(c *gin.Context) {
	var cmd application.MintCommand
	if err := c.ShouldBindJSON(&cmd); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	cmd.Symbol = c.Param("symbol")

	result, err := h.issuance.Mint(c.Request.Context(), cmd)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// Burn 销毁稳定币
func (h *Handler) Burn(c *gin.Context) {
	var cmd application.BurnCommand
	if err := c.ShouldBindJSON(&cmd); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	cmd.Symbol = c.Param("symbol")

	result, err := h.issuance.Burn(c.Request.Context(), cmd)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// AddCollateral 追加抵押
func (h *Handler) AddCollateral(c *gin.Context) {
	var cmd application.AddCollateralCommand
	if err := c.ShouldBindJSON(&cmd); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	cmd.Symbol = c.Param("symbol")

	result, err := h.issuance.AddCollateral(c.Request.Context(), cmd)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// TotalCollateralValue 全量重算抵押品总值
func (h *Handler) TotalCollateralValue(c *gin.Context) {
	total, err := h.analytics.TotalCollateralValue(c.Request.Context(), c.Param("symbol"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"symbol": c.Param("symbol"), "total_collateral_value": total})
}

// Distribution 抵押品分布
func (h *Handler) Distribution(c *gin.Context) {
	report, err := h.analytics.Distribution(c.Request.Context(), c.Param("symbol"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// PositionHealth 头寸健康报告
func (h *Handler) PositionHealth(c *gin.Context) {
	report, err := h.analytics.PositionHealth(c.Request.Context(), c.Param("position_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// CheckEligibility 清算资格
func (h *Handler) CheckEligibility(c *gin.Context) {
	result, err := h.liquidation.CheckEligibility(c.Request.Context(), c.Param("position_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// Liquidate 第三方清算
func (h *Handler) Liquidate(c *gin.Context) {
	var cmd application.LiquidateCommand
	if err := c.ShouldBindJSON(&cmd); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	cmd.PositionID = c.Param("position_id")

	result, err := h.liquidation.Liquidate(c.Request.Context(), cmd)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// Opportunities 清算机会列表
func (h *Handler) Opportunities(c *gin.Context) {
	opportunities, err := h.liquidation.Opportunities(c.Request.Context(), c.Param("symbol"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"symbol": c.Param("symbol"), "opportunities": opportunities})
}

// ProcessAutoLiquidations 触发一轮自动清算
func (h *Handler) ProcessAutoLiquidations(c *gin.Context) {
	results, err := h.liquidation.ProcessAutoLiquidations(c.Request.Context(), c.Param("symbol"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"symbol": c.Param("symbol"), "liquidations": results})
}

// EstimateCascade 价格冲击压测
func (h *Handler) EstimateCascade(c *gin.Context) {
	shock, err := decimal.NewFromString(c.DefaultQuery("shock", "0.9"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid shock factor"})
		return
	}
	report, err := h.liquidation.EstimateCascade(c.Request.Context(), c.Param("symbol"), shock)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// CheckPegDeviation 锚定偏离
func (h *Handler) CheckPegDeviation(c *gin.Context) {
	deviation, err := h.stability.CheckPegDeviation(c.Request.Context(), c.Param("symbol"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, deviation)
}

// CalculateFeeAdjustment 费率调整建议
func (h *Handler) CalculateFeeAdjustment(c *gin.Context) {
	adjustment, err := h.stability.CalculateFeeAdjustment(c.Request.Context(), c.Param("symbol"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, adjustment)
}

// CalculateSupplyIncentives 供给激励建议
func (h *Handler) CalculateSupplyIncentives(c *gin.Context) {
	adjustment, err := h.stability.CalculateSupplyIncentives(c.Request.Context(), c.Param("symbol"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, adjustment)
}

// ApplyStabilityMechanism 应用稳定机制
func (h *Handler) ApplyStabilityMechanism(c *gin.Context) {
	actions, err := h.stability.Apply(c.Request.Context(), c.Param("symbol"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"symbol": c.Param("symbol"), "actions": actions})
}

// ExecuteEmergencyActions 紧急熔断
func (h *Handler) ExecuteEmergencyActions(c *gin.Context) {
	actions, err := h.stability.ExecuteEmergencyActions(c.Request.Context(), c.Param("symbol"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"symbol": c.Param("symbol"), "actions": actions})
}

// Recommendations 结构性建议
func (h *Handler) Recommendations(c *gin.Context) {
	recommendations, err := h.stability.Recommendations(c.Request.Context(), c.Param("symbol"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"symbol": c.Param("symbol"), "recommendations": recommendations})
}

// MonitorAllPegs 锚定巡检
func (h *Handler) MonitorAllPegs(c *gin.Context) {
	statuses, err := h.stability.MonitorAllPegs(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"pegs": statuses})
}

func respondError(c *gin.Context, err error) {
	switch {
	case domain.IsNotFound(err):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case domain.IsValidation(err):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case domain.IsRetryable(err):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "retryable": true})
	case errors.Is(err, domain.ErrRateUnavailable):
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
