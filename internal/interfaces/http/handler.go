package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/wealthlog/ledger/internal/application/service/recalc"
	"github.com/wealthlog/ledger/internal/domain/interfaces"
)

const accountsBasePath = "/api/v1/accounts"

var errInvalidAccountID = errors.New("account id must be a positive integer")

// Recalculator is the slice of the recalc service the handler invokes.
type Recalculator interface {
	Recalculate(ctx context.Context, accountID int64, opts recalc.Options) (float64, error)
}

type Handler struct {
	router  *gin.Engine
	service Recalculator
	reader  interfaces.LedgerRepository
}

func NewHandler(service Recalculator, reader interfaces.LedgerRepository) *Handler {
	router := gin.New()
	router.Use(gin.Recovery())

	h := &Handler{
		router:  router,
		service: service,
		reader:  reader,
	}
	h.registerRoutes()
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *Handler) registerRoutes() {
	accounts := h.router.Group(accountsBasePath)
	{
		accounts.POST("/:id/recalculate", h.recalculate)
		accounts.GET("/:id/balance", h.balanceAt)
	}
}

type recalculateRequest struct {
	AfterDate *time.Time `json:"after_date"`
}

func (h *Handler) recalculate(c *gin.Context) {
	accountID, err := parseAccountID(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var req recalculateRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	balance, err := h.service.Recalculate(c.Request.Context(), accountID, recalc.Options{AfterDate: req.AfterDate})
	if err != nil {
		if errors.Is(err, interfaces.ErrAccountNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"account_id": accountID,
		"balance":    balance,
	})
}

func (h *Handler) balanceAt(c *gin.Context) {
	accountID, err := parseAccountID(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	at := time.Now().UTC()
	if raw := c.Query("at"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "at must be RFC3339"})
			return
		}
		at = parsed
	}

	account, err := h.reader.GetAccount(c.Request.Context(), accountID)
	if err != nil {
		if errors.Is(err, interfaces.ErrAccountNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	balance := account.InitialBalance
	snapshot, err := h.reader.LatestSnapshotAtOrBefore(c.Request.Context(), accountID, at)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if snapshot != nil {
		balance = snapshot.Balance
	}

	c.JSON(http.StatusOK, gin.H{
		"account_id": accountID,
		"at":         at.Format(time.RFC3339),
		"balance":    balance,
	})
}

func parseAccountID(c *gin.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, errInvalidAccountID
	}
	return id, nil
}
