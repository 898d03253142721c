// Package service 提供结算编排业务逻辑
//
// SubmitSettlement 的状态机:
//
//	Validating -> CheckingDuplicate -> Settling -> Persisting -> Done
//
// 任一阶段可提前退出到 RejectedInput / Conflict / Failed。
// 单个请求内, 重复预检查严格先于链上调用; 跨请求的真正串行化点
// 是链上入口点的 already-settled 检查和存储层唯一约束, 预检查与
// Redis 锁都只是减少冗余链上提交的优化。
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/veripay-labs/veripay-settlement/internal/metrics"
	"github.com/veripay-labs/veripay-settlement/internal/model"
	"github.com/veripay-labs/veripay-settlement/internal/repository"
	"github.com/veripay-labs/veripay-settlement/internal/validate"
	"github.com/veripay-labs/veripay-settlement/pkg/lock"
	"github.com/veripay-labs/veripay-settlement/pkg/logger"
)

// LedgerGateway 链上结算网关接口
type LedgerGateway interface {
	Settle(ctx context.Context, subjectID, subjectLabel string) (*model.LedgerCallResult, error)
}

// SettlementService 结算编排服务
type SettlementService struct {
	repo     repository.SettlementRepository
	attempts repository.AttemptRepository
	gateway  LedgerGateway
	locker   *lock.RedisLocker // 可为 nil, 退化为仅依赖唯一约束

	// 协议静态配置 (非攻击者可控)
	protocolID       int64
	protocolName     string
	protocolAccount  string
	settlementAmount int64
	explorerURL      string

	// 事件回调
	onSettlementRecorded func(ctx context.Context, event *model.SettlementRecordedEvent) error
}

// SettlementServiceConfig 配置
type SettlementServiceConfig struct {
	ProtocolID       int64
	ProtocolName     string
	ProtocolAccount  string
	SettlementAmount int64
	ExplorerURL      string
}

// NewSettlementService 创建结算编排服务
func NewSettlementService(
	repo repository.SettlementRepository,
	attempts repository.AttemptRepository,
	gateway LedgerGateway,
	locker *lock.RedisLocker,
	cfg *SettlementServiceConfig,
) *SettlementService {
	return &SettlementService{
		repo:             repo,
		attempts:         attempts,
		gateway:          gateway,
		locker:           locker,
		protocolID:       cfg.ProtocolID,
		protocolName:     cfg.ProtocolName,
		protocolAccount:  cfg.ProtocolAccount,
		settlementAmount: cfg.SettlementAmount,
		explorerURL:      cfg.ExplorerURL,
	}
}

// SetOnSettlementRecorded 设置落库事件回调
func (s *SettlementService) SetOnSettlementRecorded(fn func(ctx context.Context, event *model.SettlementRecordedEvent) error) {
	s.onSettlementRecorded = fn
}

// SubmitSettlement 执行一次结算编排
//
// 返回错误类型:
//   - *ValidationError: 请求格式非法, 未触达存储或链
//   - *ConflictError:   代币已结算, Existing 携带现有记录
//   - *LedgerAbortError: 链上执行中止
//   - ErrTransportFailure (包装): 链上结果未知, 交由对账处理
//   - 其他: 存储失败
func (s *SettlementService) SubmitSettlement(ctx context.Context, req *model.SettlementRequest) (*model.SettlementRecord, error) {
	// Validating: 纯语法检查
	if err := validateRequest(req); err != nil {
		metrics.SettlementsTotal.WithLabelValues("rejected_input").Inc()
		return nil, err
	}

	// 尽力获取每代币锁, 减少并发下的冗余链上提交;
	// 获取失败不阻塞结算, 唯一约束仍是最终防线
	if s.locker != nil {
		lk := s.locker.NewLock(req.SubjectID)
		if ok, err := lk.Acquire(ctx); err != nil {
			logger.Warn("subject lock unavailable, proceeding without it",
				zap.String("subject_id", req.SubjectID),
				zap.Error(err))
		} else if ok {
			defer func() {
				if err := lk.Release(context.WithoutCancel(ctx)); err != nil {
					logger.Warn("failed to release subject lock",
						zap.String("subject_id", req.SubjectID),
						zap.Error(err))
				}
			}()
		}
	}

	// CheckingDuplicate: 只读预检查, 拦截常见的重试/重复提交
	existing, err := s.repo.GetBySubjectID(ctx, req.SubjectID)
	if err == nil {
		metrics.SettlementsTotal.WithLabelValues("conflict").Inc()
		return nil, &ConflictError{Existing: existing}
	}
	if !errors.Is(err, repository.ErrSettlementNotFound) {
		return nil, fmt.Errorf("duplicate check: %w", err)
	}

	// Settling: 恰好一次链上调用
	start := time.Now()
	result, err := s.gateway.Settle(ctx, req.SubjectID, req.SubjectLabel)
	metrics.LedgerCallDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		// 传输失败: 原调用可能已落链, 记录待对账, 不在请求内重试
		s.recordAttempt(ctx, req, "", nil, err.Error(), model.AttemptStatusUnconfirmed)
		metrics.SettlementsTotal.WithLabelValues("unconfirmed").Inc()
		logger.Error("ledger call could not be confirmed",
			zap.String("subject_id", req.SubjectID),
			zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrTransportFailure, err)
	}

	if result.Aborted() {
		s.recordAttempt(ctx, req, result.TxDigest, result.AbortCode, result.RawError, model.AttemptStatusAborted)
		metrics.SettlementsTotal.WithLabelValues("aborted").Inc()
		metrics.RecordLedgerAbort(result.AbortCode)
		logger.Warn("settlement aborted on-chain",
			zap.String("subject_id", req.SubjectID),
			zap.String("tx_digest", result.TxDigest),
			zap.Any("abort_code", result.AbortCode))
		return nil, &LedgerAbortError{Code: result.AbortCode, TxDigest: result.TxDigest, Raw: result.RawError}
	}

	// Persisting: 链上调用与落库是两次独立提交, 不构成原子单元
	record := s.buildRecord(req, result.TxDigest)
	if err := s.repo.Create(ctx, record); err != nil {
		if errors.Is(err, repository.ErrDuplicateSettlement) {
			// 并发结算赢得了竞争; 链上 already-settled 中止保证不会双花,
			// 争用的只是账本行
			metrics.SettlementsTotal.WithLabelValues("conflict").Inc()
			winner, getErr := s.repo.GetBySubjectID(ctx, req.SubjectID)
			if getErr != nil {
				return nil, fmt.Errorf("fetch winning record: %w", getErr)
			}
			return nil, &ConflictError{Existing: winner}
		}
		// 链上已成功但落库失败: 记录待对账, 由后台补齐账本行
		s.recordAttempt(ctx, req, result.TxDigest, nil, err.Error(), model.AttemptStatusUnconfirmed)
		metrics.SettlementsTotal.WithLabelValues("storage_failed").Inc()
		return nil, fmt.Errorf("persist settlement: %w", err)
	}

	metrics.SettlementsTotal.WithLabelValues("success").Inc()
	logger.Info("settlement recorded",
		zap.String("subject_id", record.DidVerifiedID),
		zap.String("tx_digest", record.PaymentTxDigest),
		zap.Int64("amount", record.SettlementAmount))

	s.publishRecorded(ctx, record)

	return record, nil
}

// GetStatus 查询代币结算状态
func (s *SettlementService) GetStatus(ctx context.Context, subjectID string) (*model.SettlementRecord, bool, error) {
	record, err := s.repo.GetBySubjectID(ctx, subjectID)
	if errors.Is(err, repository.ErrSettlementNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return record, true, nil
}

// GetByID 按代理键查询记录
func (s *SettlementService) GetByID(ctx context.Context, id int64) (*model.SettlementRecord, error) {
	return s.repo.GetByID(ctx, id)
}

// ListByPayer 查询账户的全部结算记录, 新到旧
func (s *SettlementService) ListByPayer(ctx context.Context, payerAccount string) ([]*model.SettlementRecord, error) {
	return s.repo.ListByPayer(ctx, payerAccount)
}

// List 分页列出结算记录, 新到旧
func (s *SettlementService) List(ctx context.Context, query *repository.ListQuery) ([]*model.SettlementRecord, int64, error) {
	return s.repo.List(ctx, query)
}

// ExplorerURL 返回交易浏览器链接
func (s *SettlementService) ExplorerURL(txDigest string) string {
	if s.explorerURL == "" || txDigest == "" {
		return ""
	}
	return s.explorerURL + txDigest
}

// buildRecord 从请求、协议配置和链上摘要构造账本行
func (s *SettlementService) buildRecord(req *model.SettlementRequest, txDigest string) *model.SettlementRecord {
	return &model.SettlementRecord{
		DidVerifiedID:    req.SubjectID,
		VerificationRef:  req.VerificationRef,
		SubjectLabel:     req.SubjectLabel,
		ProtocolID:       s.protocolID,
		ProtocolName:     s.protocolName,
		ProtocolAccount:  s.protocolAccount,
		PayerAccount:     req.PayerAccount,
		PaymentTxDigest:  txDigest,
		SettlementAmount: s.settlementAmount,
		Status:           model.SettlementStatusSuccess,
	}
}

// recordAttempt 写入审计行 (尽力而为, 失败只记日志)
func (s *SettlementService) recordAttempt(ctx context.Context, req *model.SettlementRequest, txDigest string, abortCode *int64, errMsg string, status model.AttemptStatus) {
	if s.attempts == nil {
		return
	}
	attempt := &model.SettlementAttempt{
		DidVerifiedID:   req.SubjectID,
		VerificationRef: req.VerificationRef,
		SubjectLabel:    req.SubjectLabel,
		PayerAccount:    req.PayerAccount,
		TxDigest:        txDigest,
		AbortCode:       abortCode,
		ErrorMessage:    truncate(errMsg, 500),
		Status:          status,
	}
	if err := s.attempts.Create(ctx, attempt); err != nil {
		logger.Error("failed to record settlement attempt",
			zap.String("subject_id", req.SubjectID),
			zap.Error(err))
	}
}

// publishRecorded 发布落库事件 (尽力而为)
func (s *SettlementService) publishRecorded(ctx context.Context, record *model.SettlementRecord) {
	if s.onSettlementRecorded == nil {
		return
	}
	event := &model.SettlementRecordedEvent{
		EventID:          uuid.New().String(),
		SubjectID:        record.DidVerifiedID,
		PayerAccount:     record.PayerAccount,
		PaymentTxDigest:  record.PaymentTxDigest,
		SettlementAmount: record.SettlementAmount,
		ProtocolID:       record.ProtocolID,
		RecordedAt:       record.CreatedAt,
	}
	if err := s.onSettlementRecorded(ctx, event); err != nil {
		logger.Error("failed to publish settlement event",
			zap.String("subject_id", record.DidVerifiedID),
			zap.Error(err))
	}
}

// validateRequest 校验请求格式; 只做语法检查, 不触达存储或链
func validateRequest(req *model.SettlementRequest) *ValidationError {
	if req.VerificationRef == "" {
		return &ValidationError{Field: "verificationReference", Reason: "required"}
	}
	if req.SubjectID == "" {
		return &ValidationError{Field: "subjectId", Reason: "required"}
	}
	if req.PayerAccount == "" {
		return &ValidationError{Field: "payerAccount", Reason: "required"}
	}
	if !validate.IsTransactionDigest(req.VerificationRef) {
		return &ValidationError{Field: "verificationReference", Reason: "must be a 43-44 character base58 digest"}
	}
	if !validate.IsObjectID(req.SubjectID) {
		return &ValidationError{Field: "subjectId", Reason: "must be a 0x-prefixed 64 character hex object id"}
	}
	if !validate.IsAddress(req.PayerAccount) {
		return &ValidationError{Field: "payerAccount", Reason: "must be a 0x-prefixed 64 character hex address"}
	}
	return nil
}

// truncate 截断错误消息以适配列宽
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
