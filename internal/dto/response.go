// Package dto 定义对外 HTTP 契约的响应结构
//
// 对外字段使用 camelCase, 统一信封为 {success: bool, ...},
// 失败时附带 error 字符串。
package dto

import "github.com/veripay-labs/veripay-settlement/internal/model"

// Response 统一响应结构
type Response struct {
	Success bool        `json:"success"`
	Error   string      `json:"error,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// NewSuccessResponse 创建成功响应
func NewSuccessResponse(data interface{}) *Response {
	return &Response{
		Success: true,
		Data:    data,
	}
}

// NewErrorResponse 创建错误响应
func NewErrorResponse(message string) *Response {
	return &Response{
		Success: false,
		Error:   message,
	}
}

// ConflictResponse 409 响应, data 携带已存在的记录
func ConflictResponse(message string, existing *model.SettlementRecord) *Response {
	return &Response{
		Success: false,
		Error:   message,
		Data:    existing,
	}
}

// AbortData 链上中止响应的 data 负载
type AbortData struct {
	TxID string `json:"txId"`
}

// AbortResponse 链上中止的错误响应; 中止调用产生了摘要时附带, 供审计
func AbortResponse(message, txDigest string) *Response {
	resp := NewErrorResponse(message)
	if txDigest != "" {
		resp.Data = &AbortData{TxID: txDigest}
	}
	return resp
}

// SettlementData 结算成功响应的 data 负载
type SettlementData struct {
	*model.SettlementRecord
	ExplorerURL string `json:"explorerUrl,omitempty"`
}

// StatusResponse 结算状态查询响应
type StatusResponse struct {
	Success bool                    `json:"success"`
	Settled bool                    `json:"settled"`
	Data    *model.SettlementRecord `json:"data,omitempty"`
}

// ListResponse 账户记录列表响应
type ListResponse struct {
	Success bool                      `json:"success"`
	Count   int                       `json:"count"`
	Data    []*model.SettlementRecord `json:"data"`
}

// Pagination 分页信息
type Pagination struct {
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	TotalPages int `json:"totalPages"`
}

// PagedResponse 全量列表响应; Pagination 仅在携带 limit 时出现
type PagedResponse struct {
	Success    bool                      `json:"success"`
	Total      int64                     `json:"total"`
	Count      int                       `json:"count"`
	Pagination *Pagination               `json:"pagination,omitempty"`
	Data       []*model.SettlementRecord `json:"data"`
}

// NewPagedResponse 创建分页响应
func NewPagedResponse(items []*model.SettlementRecord, total int64, page, limit int) *PagedResponse {
	resp := &PagedResponse{
		Success: true,
		Total:   total,
		Count:   len(items),
		Data:    items,
	}
	if limit > 0 {
		totalPages := int(total) / limit
		if int(total)%limit > 0 {
			totalPages++
		}
		resp.Pagination = &Pagination{
			Page:       page,
			Limit:      limit,
			TotalPages: totalPages,
		}
	}
	return resp
}

// HealthResponse 健康检查响应
type HealthResponse struct {
	Success         bool   `json:"success"`
	Status          string `json:"status"`
	AdminAccount    string `json:"adminAccount"`
	ContractAddress string `json:"contractAddress"`
	ProtocolID      int64  `json:"protocolId"`
	ProtocolName    string `json:"protocolName"`
	Timestamp       int64  `json:"timestamp"`
}
