// Package http 市场风险档案管理接口
package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/wyfcoding/spotmargin/internal/registry/application"
	"github.com/wyfcoding/spotmargin/internal/registry/domain"
)

const adminTokenHeader = "X-Admin-Token"

type Handler struct {
	service *application.RegistryService
}

func NewHandler(service *application.RegistryService) *Handler {
	return &Handler{service: service}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	g := r.Group("/markets")
	{
		g.GET("", h.ListMarkets)
		g.GET("/:id", h.GetMarket)
		g.POST("", h.CreateMarket)
		g.PUT("/:id/risk-params", h.UpdateRiskParams)
		g.PUT("/:id/status", h.UpdateStatus)
	}
}

func (h *Handler) ListMarkets(c *gin.Context) {
	markets, err := h.service.ListMarkets(c.Request.Context())
	if err != nil {
		c.JSON(statusOf(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"markets": markets})
}

func (h *Handler) GetMarket(c *gin.Context) {
	market, err := h.service.GetMarket(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(statusOf(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, market)
}

type RiskParamsReq struct {
	AssetWeight        string `json:"asset_weight" binding:"required"`
	LiabilityWeight    string `json:"liability_weight" binding:"required"`
	DiscountFactor     string `json:"discount_factor" binding:"required"`
	MaxLeverage        string `json:"max_leverage" binding:"required"`
	BorrowCap          string `json:"borrow_cap" binding:"required"`
	OpenInterestCap    string `json:"open_interest_cap" binding:"required"`
	OptimalUtilization string `json:"optimal_utilization" binding:"required"`
	OptimalRate        string `json:"optimal_rate" binding:"required"`
	MaxRate            string `json:"max_rate" binding:"required"`
}

func (r RiskParamsReq) toDomain() (domain.RiskParams, error) {
	var params domain.RiskParams
	fields := []struct {
		raw string
		dst *decimal.Decimal
	}{
		{r.AssetWeight, &params.AssetWeight},
		{r.LiabilityWeight, &params.LiabilityWeight},
		{r.DiscountFactor, &params.DiscountFactor},
		{r.MaxLeverage, &params.MaxLeverage},
		{r.BorrowCap, &params.BorrowCap},
		{r.OpenInterestCap, &params.OpenInterestCap},
		{r.OptimalUtilization, &params.OptimalUtilization},
		{r.OptimalRate, &params.OptimalRate},
		{r.MaxRate, &params.MaxRate},
	}
	for _, f := range fields {
		v, err := decimal.NewFromString(f.raw)
		if err != nil {
			return domain.RiskParams{}, err
		}
		*f.dst = v
	}
	return params, nil
}

type CreateMarketReq struct {
	ID         string        `json:"id" binding:"required"`
	BaseAsset  string        `json:"base_asset" binding:"required"`
	QuoteAsset string        `json:"quote_asset" binding:"required"`
	Params     RiskParamsReq `json:"params" binding:"required"`
}

func (h *Handler) CreateMarket(c *gin.Context) {
	var req CreateMarketReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	params, err := req.Params.toDomain()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid risk params"})
		return
	}

	market, err := h.service.CreateMarket(c.Request.Context(), c.GetHeader(adminTokenHeader), application.CreateMarketCmd{
		ID:         req.ID,
		BaseAsset:  req.BaseAsset,
		QuoteAsset: req.QuoteAsset,
		Params:     params,
	})
	if err != nil {
		c.JSON(statusOf(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, market)
}

func (h *Handler) UpdateRiskParams(c *gin.Context) {
	var req RiskParamsReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	params, err := req.toDomain()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid risk params"})
		return
	}

	market, err := h.service.UpdateRiskParams(c.Request.Context(), c.GetHeader(adminTokenHeader), c.Param("id"), params)
	if err != nil {
		c.JSON(statusOf(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, market)
}

type UpdateStatusReq struct {
	Status string `json:"status" binding:"required"`
}

func (h *Handler) UpdateStatus(c *gin.Context) {
	var req UpdateStatusReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	market, err := h.service.UpdateStatus(c.Request.Context(), c.GetHeader(adminTokenHeader), c.Param("id"), domain.MarketStatus(req.Status))
	if err != nil {
		c.JSON(statusOf(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, market)
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, domain.ErrMarketNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrMarketAlreadyExists),
		errors.Is(err, domain.ErrVersionConflict):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInvalidParams):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}
