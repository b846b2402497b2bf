package ops

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/vtorres/leadline/internal/models"
	"github.com/vtorres/leadline/internal/pending"
	"github.com/vtorres/leadline/internal/store"
	"gorm.io/gorm"
)

// registerRoutes sets up all ops routes on the Gin router.
func registerRoutes(router *gin.Engine, opts StartOpts) {
	router.GET("/healthz", handleHealth(opts.DB))

	router.POST("/api/inbound", handleInbound(opts))
	router.GET("/api/conversations/:phone", handleConversation(opts.Store))

	router.GET("/api/pending", handlePendingList(opts.Queue))
	router.GET("/api/pending/:id", handlePendingGet(opts.Queue))
	router.POST("/api/pending/:id/retry", handlePendingRetry(opts.Queue))

	router.GET("/api/audit", handleAuditList(opts.DB))
}

func handleHealth(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		sqlDB, err := db.DB()
		if err == nil {
			err = sqlDB.PingContext(c.Request.Context())
		}
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

// inboundRequest is the channel adapter's delivery payload.
type inboundRequest struct {
	Phone   string    `json:"phone" binding:"required"`
	Origin  string    `json:"origin" binding:"required"`
	Content string    `json:"content" binding:"required"`
	SentAt  time.Time `json:"sent_at"`
}

func handleInbound(opts StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req inboundRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if req.SentAt.IsZero() {
			req.SentAt = time.Now()
		}
		res, err := opts.Ingest.Deliver(c.Request.Context(), req.Phone, req.Origin, req.Content, req.SentAt)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		body := gin.H{
			"phone":         res.Phone,
			"handoff_state": res.Decision.To,
			"sequence":      res.Message.Sequence,
			"replied":       res.Replied,
		}
		if res.Replied {
			body["reply"] = res.Reply.Content
		}
		c.JSON(http.StatusOK, body)
	}
}

func handleConversation(st *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		phone := store.NormalizePhone(c.Param("phone"))
		if phone == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "phone has no digits"})
			return
		}
		limit := 0
		if raw := c.Query("limit"); raw != "" {
			if n, err := strconv.Atoi(raw); err == nil && n > 0 {
				limit = n
			}
		}
		ctx := c.Request.Context()
		history, err := st.GetHistory(ctx, phone, limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		attrs, err := st.GetAttributes(ctx, phone)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		state, err := st.HandoffState(ctx, phone)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"phone":         phone,
			"handoff_state": state,
			"attributes":    attrs,
			"messages":      history,
		})
	}
}

func handlePendingList(queue *pending.Queue) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := 50
		if raw := c.Query("limit"); raw != "" {
			if n, err := strconv.Atoi(raw); err == nil && n > 0 {
				limit = n
			}
		}
		var (
			ops []models.PendingOperation
			err error
		)
		switch status := c.DefaultQuery("status", models.OpFailed); status {
		case models.OpFailed:
			ops, err = queue.Failed(limit)
		case models.OpPending:
			ops, err = queue.Pending(limit)
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "status must be pending or failed"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"operations": ops})
	}
}

func handlePendingGet(queue *pending.Queue) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseUint(c.Param("id"), 10, 32)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
			return
		}
		op, err := queue.Get(uint(id))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, op)
	}
}

func handlePendingRetry(queue *pending.Queue) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseUint(c.Param("id"), 10, 32)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
			return
		}
		newID, err := queue.ForceRetry(uint(id))
		if err != nil {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"retried": id, "new_id": newID})
	}
}

func handleAuditList(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := 100
		if raw := c.Query("limit"); raw != "" {
			if n, err := strconv.Atoi(raw); err == nil && n > 0 {
				limit = n
			}
		}
		q := db.WithContext(c.Request.Context()).Order("id DESC").Limit(limit)
		if et := c.Query("entity_type"); et != "" {
			q = q.Where("entity_type = ?", et)
		}
		if eid := c.Query("entity_id"); eid != "" {
			q = q.Where("entity_id = ?", eid)
		}
		var records []models.AuditRecord
		if err := q.Find(&records).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"records": records})
	}
}
