package service

import (
	"errors"
	"fmt"

	"github.com/veripay-labs/veripay-settlement/internal/model"
)

// ErrTransportFailure 链上调用无法确认 (网络/超时), 结果未知。
// 不自动重试: 原调用可能已落链, 盲目重试会造成重复提交;
// 对账服务负责后续处理。
var ErrTransportFailure = errors.New("ledger call could not be confirmed")

// ValidationError 请求校验失败 (纯语法检查, 未触达存储或链)
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ConflictError 代币已有结算记录 (预检查或唯一约束冲突检出)
type ConflictError struct {
	Existing *model.SettlementRecord
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("subject %s already settled (tx %s)", e.Existing.DidVerifiedID, e.Existing.PaymentTxDigest)
}

// LedgerAbortError 链上调用执行后中止
//
// TxDigest 可能非空: 中止的调用仍可落链产生摘要, 保留用于审计。
type LedgerAbortError struct {
	Code     *int64
	TxDigest string
	Raw      string
}

func (e *LedgerAbortError) Error() string {
	return e.Message()
}

// Message 中止码对应的用户可读消息
func (e *LedgerAbortError) Message() string {
	if e.Code == nil {
		return "on-chain settlement failed"
	}
	switch *e.Code {
	case model.AbortCodeAlreadySettled:
		return "token already settled on-chain"
	case model.AbortCodeInsufficientFunds:
		return "protocol vault has insufficient funds"
	case model.AbortCodeUnauthorized, model.AbortCodeUnknownProtocol:
		return "authorization/protocol mismatch"
	default:
		return "on-chain settlement failed"
	}
}
