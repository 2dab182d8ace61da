// Package http 清算接口
package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	ledgerdomain "github.com/wyfcoding/spotmargin/internal/ledger/domain"
	"github.com/wyfcoding/spotmargin/internal/liquidation/application"
	"github.com/wyfcoding/spotmargin/internal/liquidation/domain"
	oracledomain "github.com/wyfcoding/spotmargin/internal/oracle/domain"
	registrydomain "github.com/wyfcoding/spotmargin/internal/registry/domain"
)

type Handler struct {
	engine *application.Engine
}

func NewHandler(engine *application.Engine) *Handler {
	return &Handler{engine: engine}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/liquidations", h.Liquidate)
}

type LiquidateReq struct {
	Liquidator  string `json:"liquidator" binding:"required"`
	Owner       string `json:"owner" binding:"required"`
	MarketID    string `json:"market_id" binding:"required"`
	SeizeAsset  string `json:"seize_asset" binding:"required"`
	RepayAmount string `json:"repay_amount" binding:"required"`
}

func (h *Handler) Liquidate(c *gin.Context) {
	var req LiquidateReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	repay, err := decimal.NewFromString(req.RepayAmount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid repay_amount"})
		return
	}

	result, err := h.engine.Liquidate(c.Request.Context(), req.Liquidator, req.Owner, req.MarketID, req.SeizeAsset, repay)
	if err != nil {
		c.JSON(statusOf(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, ledgerdomain.ErrPositionNotFound),
		errors.Is(err, registrydomain.ErrMarketNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledgerdomain.ErrInvalidAmount),
		errors.Is(err, ledgerdomain.ErrAssetNotAllowed):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotEligible),
		errors.Is(err, domain.ErrNothingToSeize),
		errors.Is(err, domain.ErrInsufficientLiability),
		errors.Is(err, domain.ErrWorsensHealth):
		return http.StatusUnprocessableEntity
	case errors.Is(err, oracledomain.ErrStalePrice),
		errors.Is(err, oracledomain.ErrPriceUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
