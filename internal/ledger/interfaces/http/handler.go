// Package http 保证金账本服务接口
package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/wyfcoding/spotmargin/internal/ledger/application"
	"github.com/wyfcoding/spotmargin/internal/ledger/domain"
	oracledomain "github.com/wyfcoding/spotmargin/internal/oracle/domain"
	registrydomain "github.com/wyfcoding/spotmargin/internal/registry/domain"
)

type Handler struct {
	service *application.LedgerService
}

func NewHandler(service *application.LedgerService) *Handler {
	return &Handler{service: service}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	g := r.Group("/accounts")
	{
		g.POST("", h.InitAccount)
		g.POST("/deposit", h.Deposit)
		g.POST("/withdraw", h.Withdraw)
		g.POST("/borrow", h.Borrow)
		g.POST("/repay", h.Repay)
		g.GET("/:owner/:market/health", h.Health)
	}
}

type InitAccountReq struct {
	Owner    string `json:"owner" binding:"required"`
	MarketID string `json:"market_id" binding:"required"`
}

func (h *Handler) InitAccount(c *gin.Context) {
	var req InitAccountReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	position, err := h.service.InitAccount(c.Request.Context(), req.Owner, req.MarketID)
	if err != nil {
		c.JSON(statusOf(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, position)
}

type BalanceReq struct {
	Owner    string `json:"owner" binding:"required"`
	MarketID string `json:"market_id" binding:"required"`
	Asset    string `json:"asset" binding:"required"`
	Amount   string `json:"amount" binding:"required"`
}

func (h *Handler) Deposit(c *gin.Context) {
	h.balanceOp(c, h.service.Deposit)
}

func (h *Handler) Withdraw(c *gin.Context) {
	h.balanceOp(c, h.service.Withdraw)
}

func (h *Handler) Borrow(c *gin.Context) {
	h.balanceOp(c, h.service.Borrow)
}

func (h *Handler) Repay(c *gin.Context) {
	h.balanceOp(c, h.service.Repay)
}

func (h *Handler) balanceOp(c *gin.Context, op func(ctx context.Context, owner, marketID, asset string, amount decimal.Decimal) error) {
	var req BalanceReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
		return
	}

	if err := op(c.Request.Context(), req.Owner, req.MarketID, req.Asset, amount); err != nil {
		c.JSON(statusOf(err), gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusOK)
}

func (h *Handler) Health(c *gin.Context) {
	owner := c.Param("owner")
	marketID := c.Param("market")

	snapshot, err := h.service.Health(c.Request.Context(), owner, marketID)
	if err != nil {
		c.JSON(statusOf(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

// statusOf 领域错误到 HTTP 状态码的映射
func statusOf(err error) int {
	switch {
	case errors.Is(err, domain.ErrPositionNotFound),
		errors.Is(err, registrydomain.ErrMarketNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrPositionAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInvalidAmount),
		errors.Is(err, domain.ErrAssetNotAllowed):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrInsufficientCollateral),
		errors.Is(err, domain.ErrAccountUnhealthy),
		errors.Is(err, domain.ErrExceedsBorrowCap),
		errors.Is(err, domain.ErrExceedsLeverageCap),
		errors.Is(err, domain.ErrMathOverflow),
		errors.Is(err, domain.ErrMarketInactive):
		return http.StatusUnprocessableEntity
	case errors.Is(err, oracledomain.ErrStalePrice),
		errors.Is(err, oracledomain.ErrPriceUnavailable),
		errors.Is(err, domain.ErrMissingPrice):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
