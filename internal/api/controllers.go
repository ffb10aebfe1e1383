package api

import (
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"bracket-core/internal/credentials"
	"bracket-core/internal/market"
	"bracket-core/internal/order"
	"bracket-core/pkg/db"
	"bracket-core/pkg/exchanges/common"

	"github.com/gin-gonic/gin"
)

type listOrdersQuery struct {
	Limit int `form:"limit"`
}

func (q *listOrdersQuery) normalize() {
	if q.Limit <= 0 {
		q.Limit = 100
	}
	if q.Limit > 500 {
		q.Limit = 500
	}
}

type putCredentialsRequest struct {
	ClientID    string `json:"clientId" binding:"required"`
	AccessToken string `json:"accessToken" binding:"required"`
}

type ltpQuery struct {
	Segment    string `form:"segment" binding:"required"`
	SecurityID string `form:"security_id" binding:"required"`
}

// orderView is the JSON shape of a ledger row.
type orderView struct {
	ID              int64     `json:"id"`
	ParentID        int64     `json:"parentOrderId,omitempty"`
	Role            string    `json:"role"`
	Workflow        string    `json:"workflow"`
	Symbol          string    `json:"symbol"`
	TradingSymbol   string    `json:"tradingSymbol,omitempty"`
	SecurityID      string    `json:"securityId"`
	Segment         string    `json:"exchangeSegment"`
	Side            string    `json:"transactionType"`
	Quantity        int       `json:"quantity"`
	OrderType       string    `json:"orderType"`
	ProductType     string    `json:"productType"`
	EntryPrice      float64   `json:"entryPrice"`
	StopLossPrice   float64   `json:"slPrice"`
	TriggerPrice    float64   `json:"triggerPrice"`
	TargetPrice     float64   `json:"targetPrice"`
	TrailingPercent float64   `json:"trailingPercent"`
	HighestLTP      float64   `json:"highestLtp,omitempty"`
	LowestLTP       float64   `json:"lowestLtp,omitempty"`
	BrokerOrderID   string    `json:"brokerOrderId,omitempty"`
	Status          string    `json:"status"`
	Remark          string    `json:"remark,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

func toView(o db.Order) orderView {
	return orderView{
		ID:              o.ID,
		ParentID:        o.ParentID,
		Role:            string(o.Role),
		Workflow:        string(o.Workflow),
		Symbol:          o.Symbol,
		TradingSymbol:   o.TradingSymbol,
		SecurityID:      o.SecurityID,
		Segment:         o.Segment,
		Side:            o.Side,
		Quantity:        o.Quantity,
		OrderType:       o.OrderType,
		ProductType:     o.ProductType,
		EntryPrice:      o.EntryPrice,
		StopLossPrice:   o.StopLossPrice,
		TriggerPrice:    o.TriggerPrice,
		TargetPrice:     o.TargetPrice,
		TrailingPercent: o.TrailingPercent,
		HighestLTP:      o.HighestLTP,
		LowestLTP:       o.LowestLTP,
		BrokerOrderID:   o.BrokerOrderID,
		Status:          o.Status,
		Remark:          o.Remark,
		CreatedAt:       o.CreatedAt,
		UpdatedAt:       o.UpdatedAt,
	}
}

func toViews(rows []db.Order) []orderView {
	out := make([]orderView, 0, len(rows))
	for _, o := range rows {
		out = append(out, toView(o))
	}
	return out
}

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}

func isValidationError(err error) bool {
	for _, target := range []error{
		order.ErrInvalidRequest,
		order.ErrUnsupportedWorkflow,
		order.ErrUnknownSymbol,
		order.ErrUnknownUnderlying,
		order.ErrNoContract,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// buildProcess places a manual bracket. Broker-side failures still answer
// 200: the confirmation carries the recorded terminal state.
func (s *Server) buildProcess(c *gin.Context) {
	var req order.BuildRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	userID := CurrentUserID(c)

	conf, err := s.Builder.Build(c.Request.Context(), userID, req)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, conf)
	case conf != nil:
		log.Printf("⚠️ build for user %d ended early: %v", userID, err)
		c.JSON(http.StatusOK, conf)
	case errors.Is(err, credentials.ErrNotFound):
		respondError(c, http.StatusBadGateway, "BROKER_CREDENTIALS_MISSING", "broker credentials not found for user")
	case isValidationError(err):
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
	default:
		log.Printf("❌ build for user %d failed: %v", userID, err)
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
	}
}

func (s *Server) getOrders(c *gin.Context) {
	var q listOrdersQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	q.normalize()

	rows, err := s.Orders.ListByUser(c.Request.Context(), CurrentUserID(c), q.Limit)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, toViews(rows))
}

// getBracket returns the entry of any bracket row together with every
// stop-loss and target row ever placed for it.
func (s *Server) getBracket(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		respondError(c, http.StatusBadRequest, "INVALID_ID", "order id must be a positive integer")
		return
	}
	ctx := c.Request.Context()
	userID := CurrentUserID(c)

	row, err := s.Orders.Get(ctx, id)
	if errors.Is(err, db.ErrNotFound) || (err == nil && row.UserID != userID) {
		respondError(c, http.StatusNotFound, "NOT_FOUND", "order not found")
		return
	}
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}

	entry := row
	if row.Role != db.RoleEntry {
		if entry, err = s.Orders.Get(ctx, row.EntryID()); err != nil {
			respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
			return
		}
	}
	stops, err := s.Orders.FindByParentAndRole(ctx, entry.ID, db.RoleStopLoss)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	targets, err := s.Orders.FindByParentAndRole(ctx, entry.ID, db.RoleTarget)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"entry":     toView(*entry),
		"stopLoss":  toViews(stops),
		"target":    toViews(targets),
		"completed": entry.Status == string(common.StatusCompleted),
	})
}

func (s *Server) putCredentials(c *gin.Context) {
	var req putCredentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	userID := CurrentUserID(c)
	err := s.Credentials.Put(c.Request.Context(), userID,
		strings.TrimSpace(req.ClientID), strings.TrimSpace(req.AccessToken))
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	log.Printf("✓ broker credentials stored for user %d", userID)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) getLTP(c *gin.Context) {
	var q ltpQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	ctx := c.Request.Context()
	creds, err := s.Credentials.Get(ctx, CurrentUserID(c))
	if errors.Is(err, credentials.ErrNotFound) {
		respondError(c, http.StatusBadGateway, "BROKER_CREDENTIALS_MISSING", "broker credentials not found for user")
		return
	}
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}

	segment := common.Segment(strings.ToUpper(strings.TrimSpace(q.Segment)))
	ltp, err := s.Prices.Resolve(ctx, creds, segment, strings.TrimSpace(q.SecurityID))
	if errors.Is(err, market.ErrPriceUnavailable) {
		respondError(c, http.StatusServiceUnavailable, "PRICE_UNAVAILABLE", err.Error())
		return
	}
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"segment":    segment,
		"securityId": q.SecurityID,
		"ltp":        ltp,
	})
}
