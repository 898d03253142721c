package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/veripay-labs/veripay-settlement/internal/dto"
	"github.com/veripay-labs/veripay-settlement/internal/model"
	"github.com/veripay-labs/veripay-settlement/internal/repository"
	"github.com/veripay-labs/veripay-settlement/internal/validate"
)

// SettlementService 结算服务接口
type SettlementService interface {
	SubmitSettlement(ctx context.Context, req *model.SettlementRequest) (*model.SettlementRecord, error)
	GetStatus(ctx context.Context, subjectID string) (*model.SettlementRecord, bool, error)
	GetByID(ctx context.Context, id int64) (*model.SettlementRecord, error)
	ListByPayer(ctx context.Context, payerAccount string) ([]*model.SettlementRecord, error)
	List(ctx context.Context, query *repository.ListQuery) ([]*model.SettlementRecord, int64, error)
	ExplorerURL(txDigest string) string
}

// HealthInfo 健康检查返回的静态服务信息
type HealthInfo struct {
	AdminAccount    string
	ContractAddress string
	ProtocolID      int64
	ProtocolName    string
}

// SettlementHandler 结算处理器
type SettlementHandler struct {
	svc    SettlementService
	health HealthInfo
}

// NewSettlementHandler 创建结算处理器
func NewSettlementHandler(svc SettlementService, health HealthInfo) *SettlementHandler {
	return &SettlementHandler{svc: svc, health: health}
}

// RegisterRoutes 注册 /api/settlement 路由
func (h *SettlementHandler) RegisterRoutes(r gin.IRouter) {
	group := r.Group("/api/settlement")
	{
		group.POST("/settle", h.Settle)
		group.GET("/status/:subjectId", h.GetStatus)
		group.GET("/user/:account", h.ListByPayer)
		group.GET("/all", h.ListAll)
		group.GET("/health", h.Health)
		group.GET("/:id", h.GetByID)
	}
}

// Settle 执行结算
// POST /api/settlement/settle
func (h *SettlementHandler) Settle(c *gin.Context) {
	var req model.SettlementRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Fail(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	record, err := h.svc.SubmitSettlement(c.Request.Context(), &req)
	if err != nil {
		handleServiceError(c, err)
		return
	}

	Success(c, &dto.SettlementData{
		SettlementRecord: record,
		ExplorerURL:      h.svc.ExplorerURL(record.PaymentTxDigest),
	})
}

// GetStatus 查询代币结算状态
// GET /api/settlement/status/:subjectId
func (h *SettlementHandler) GetStatus(c *gin.Context) {
	subjectID := c.Param("subjectId")
	if !validate.IsObjectID(subjectID) {
		Fail(c, http.StatusBadRequest, "invalid subjectId")
		return
	}

	record, settled, err := h.svc.GetStatus(c.Request.Context(), subjectID)
	if err != nil {
		handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, &dto.StatusResponse{
		Success: true,
		Settled: settled,
		Data:    record,
	})
}

// ListByPayer 查询账户的全部结算记录
// GET /api/settlement/user/:account
func (h *SettlementHandler) ListByPayer(c *gin.Context) {
	account := c.Param("account")

	records, err := h.svc.ListByPayer(c.Request.Context(), account)
	if err != nil {
		handleServiceError(c, err)
		return
	}
	if records == nil {
		records = []*model.SettlementRecord{}
	}

	c.JSON(http.StatusOK, &dto.ListResponse{
		Success: true,
		Count:   len(records),
		Data:    records,
	})
}

// ListAll 分页列出全部结算记录
// GET /api/settlement/all?limit=&page=&offset=
func (h *SettlementHandler) ListAll(c *gin.Context) {
	limit, err := queryInt(c, "limit", 0)
	if err != nil {
		Fail(c, http.StatusBadRequest, "invalid limit")
		return
	}

	page := 0
	offset := 0
	if pageStr := c.Query("page"); pageStr != "" {
		// page 是 1 起始的, 必须与 limit 配合使用
		page, err = strconv.Atoi(pageStr)
		if err != nil || page < 1 {
			Fail(c, http.StatusBadRequest, "invalid page")
			return
		}
		if limit <= 0 {
			Fail(c, http.StatusBadRequest, "page requires limit")
			return
		}
		offset = (page - 1) * limit
	} else {
		offset, err = queryInt(c, "offset", 0)
		if err != nil {
			Fail(c, http.StatusBadRequest, "invalid offset")
			return
		}
	}

	records, total, err := h.svc.List(c.Request.Context(), &repository.ListQuery{
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		handleServiceError(c, err)
		return
	}
	if records == nil {
		records = []*model.SettlementRecord{}
	}

	c.JSON(http.StatusOK, dto.NewPagedResponse(records, total, page, limit))
}

// GetByID 按记录 ID 查询
// GET /api/settlement/:id
func (h *SettlementHandler) GetByID(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		Fail(c, http.StatusBadRequest, "invalid record id")
		return
	}

	record, err := h.svc.GetByID(c.Request.Context(), id)
	if err != nil {
		handleServiceError(c, err)
		return
	}

	Success(c, record)
}

// Health 健康检查
// GET /api/settlement/health
func (h *SettlementHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, &dto.HealthResponse{
		Success:         true,
		Status:          "healthy",
		AdminAccount:    h.health.AdminAccount,
		ContractAddress: h.health.ContractAddress,
		ProtocolID:      h.health.ProtocolID,
		ProtocolName:    h.health.ProtocolName,
		Timestamp:       time.Now().UnixMilli(),
	})
}

// queryInt 解析非负整数查询参数
func queryInt(c *gin.Context, key string, def int) (int, error) {
	s := c.Query(key)
	if s == "" {
		return def, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return 0, strconv.ErrSyntax
	}
	return v, nil
}
