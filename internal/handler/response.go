// Package handler 提供 HTTP 请求处理
package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/veripay-labs/veripay-settlement/internal/dto"
	"github.com/veripay-labs/veripay-settlement/internal/repository"
	"github.com/veripay-labs/veripay-settlement/internal/service"
)

// Success 返回 200 成功响应
func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, dto.NewSuccessResponse(data))
}

// Fail 返回指定状态码的错误响应
func Fail(c *gin.Context, status int, message string) {
	c.JSON(status, dto.NewErrorResponse(message))
}

// handleServiceError 将服务层错误映射为 HTTP 响应
func handleServiceError(c *gin.Context, err error) {
	var verr *service.ValidationError
	if errors.As(err, &verr) {
		Fail(c, http.StatusBadRequest, verr.Error())
		return
	}

	var cerr *service.ConflictError
	if errors.As(err, &cerr) {
		c.JSON(http.StatusConflict, dto.ConflictResponse("token already settled", cerr.Existing))
		return
	}

	var aerr *service.LedgerAbortError
	if errors.As(err, &aerr) {
		c.JSON(http.StatusInternalServerError, dto.AbortResponse(aerr.Message(), aerr.TxDigest))
		return
	}

	if errors.Is(err, service.ErrTransportFailure) {
		Fail(c, http.StatusInternalServerError, "settlement could not be confirmed, please check status later")
		return
	}

	if errors.Is(err, repository.ErrSettlementNotFound) {
		Fail(c, http.StatusNotFound, "settlement record not found")
		return
	}

	Fail(c, http.StatusInternalServerError, "internal server error")
}
