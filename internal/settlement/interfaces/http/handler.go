// Package http 保证金下单接口
package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	ledgerdomain "github.com/wyfcoding/spotmargin/internal/ledger/domain"
	oracledomain "github.com/wyfcoding/spotmargin/internal/oracle/domain"
	registrydomain "github.com/wyfcoding/spotmargin/internal/registry/domain"
	"github.com/wyfcoding/spotmargin/internal/settlement/application"
	"github.com/wyfcoding/spotmargin/internal/settlement/domain"
)

type Handler struct {
	service *application.BridgeService
}

func NewHandler(service *application.BridgeService) *Handler {
	return &Handler{service: service}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	g := r.Group("/orders")
	{
		g.POST("", h.PlaceOrder)
		g.POST("/cancel", h.CancelOrder)
	}
}

type PlaceOrderReq struct {
	Owner      string `json:"owner" binding:"required"`
	MarketID   string `json:"market_id" binding:"required"`
	Side       string `json:"side" binding:"required,oneof=BUY SELL"`
	Size       string `json:"size" binding:"required"`
	PriceLimit string `json:"price_limit" binding:"required"`
}

func (h *Handler) PlaceOrder(c *gin.Context) {
	var req PlaceOrderReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	size, err := decimal.NewFromString(req.Size)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid size"})
		return
	}
	priceLimit, err := decimal.NewFromString(req.PriceLimit)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid price_limit"})
		return
	}

	result, err := h.service.PlaceMarginOrder(c.Request.Context(), req.Owner, req.MarketID,
		ledgerdomain.OrderSide(req.Side), size, priceLimit)
	if err != nil {
		c.JSON(statusOf(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

type CancelOrderReq struct {
	Owner    string `json:"owner" binding:"required"`
	MarketID string `json:"market_id" binding:"required"`
	OrderID  string `json:"order_id" binding:"required"`
}

func (h *Handler) CancelOrder(c *gin.Context) {
	var req CancelOrderReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.service.CancelMarginOrder(c.Request.Context(), req.Owner, req.MarketID, req.OrderID); err != nil {
		c.JSON(statusOf(err), gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusOK)
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, ledgerdomain.ErrPositionNotFound),
		errors.Is(err, ledgerdomain.ErrOrderNotFound),
		errors.Is(err, registrydomain.ErrMarketNotFound),
		errors.Is(err, domain.ErrUnknownVenueOrder):
		return http.StatusNotFound
	case errors.Is(err, ledgerdomain.ErrInvalidAmount):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrOrderWouldUnhealthy),
		errors.Is(err, domain.ErrExceedsOpenInterest),
		errors.Is(err, domain.ErrVenueRejected),
		errors.Is(err, ledgerdomain.ErrExceedsLeverageCap),
		errors.Is(err, ledgerdomain.ErrExceedsBorrowCap),
		errors.Is(err, ledgerdomain.ErrInsufficientCollateral),
		errors.Is(err, ledgerdomain.ErrMarketInactive):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrVenueUnavailable),
		errors.Is(err, oracledomain.ErrStalePrice),
		errors.Is(err, oracledomain.ErrPriceUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
