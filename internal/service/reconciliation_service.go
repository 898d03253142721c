package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/veripay-labs/veripay-settlement/internal/metrics"
	"github.com/veripay-labs/veripay-settlement/internal/model"
	"github.com/veripay-labs/veripay-settlement/internal/repository"
	"github.com/veripay-labs/veripay-settlement/pkg/logger"
)

// ReconciliationService 对账服务
//
// 周期性扫描 UNCONFIRMED 尝试行 (传输失败或链上成功但落库失败的结算),
// 重放链上调用来收敛状态。重放是安全的: 已落链的代币会以
// already-settled 中止, 对账器据此补齐账本行而非重复划转。
type ReconciliationService struct {
	records  repository.SettlementRepository
	attempts repository.AttemptRepository
	gateway  LedgerGateway

	interval   time.Duration
	batchSize  int
	maxRetries int

	protocolID       int64
	protocolName     string
	protocolAccount  string
	settlementAmount int64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// ReconciliationConfig 对账服务配置
type ReconciliationConfig struct {
	Interval   time.Duration // 默认 1 分钟
	BatchSize  int           // 默认 20
	MaxRetries int           // 默认 5, 超限标记 ABANDONED

	ProtocolID       int64
	ProtocolName     string
	ProtocolAccount  string
	SettlementAmount int64
}

// NewReconciliationService 创建对账服务
func NewReconciliationService(
	records repository.SettlementRepository,
	attempts repository.AttemptRepository,
	gateway LedgerGateway,
	cfg *ReconciliationConfig,
) *ReconciliationService {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	return &ReconciliationService{
		records:          records,
		attempts:         attempts,
		gateway:          gateway,
		interval:         cfg.Interval,
		batchSize:        cfg.BatchSize,
		maxRetries:       cfg.MaxRetries,
		protocolID:       cfg.ProtocolID,
		protocolName:     cfg.ProtocolName,
		protocolAccount:  cfg.ProtocolAccount,
		settlementAmount: cfg.SettlementAmount,
		stopCh:           make(chan struct{}),
	}
}

// Start 启动后台对账循环
func (s *ReconciliationService) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.run(ctx)
	logger.Info("reconciliation service started",
		zap.Duration("interval", s.interval),
		zap.Int("batch_size", s.batchSize))
}

// Stop 停止对账循环并等待当前批次完成
func (s *ReconciliationService) Stop() {
	close(s.stopCh)
	s.wg.Wait()
	logger.Info("reconciliation service stopped")
}

func (s *ReconciliationService) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if err := s.ReconcileOnce(ctx); err != nil {
				logger.Error("reconciliation pass failed", zap.Error(err))
			}
		}
	}
}

// ReconcileOnce 执行一轮对账
func (s *ReconciliationService) ReconcileOnce(ctx context.Context) error {
	pending, err := s.attempts.ListUnconfirmed(ctx, s.batchSize)
	if err != nil {
		return err
	}
	metrics.UnconfirmedAttemptsGauge.Set(float64(len(pending)))
	if len(pending) == 0 {
		return nil
	}

	logger.Info("reconciling unconfirmed attempts", zap.Int("count", len(pending)))
	for _, attempt := range pending {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stopCh:
			return nil
		default:
		}
		s.reconcileAttempt(ctx, attempt)
	}
	return nil
}

// reconcileAttempt 收敛单个尝试行; 错误只记日志, 留待下一轮
func (s *ReconciliationService) reconcileAttempt(ctx context.Context, attempt *model.SettlementAttempt) {
	// 主表已有记录说明另一条路径已完成结算, 直接收敛
	if _, err := s.records.GetBySubjectID(ctx, attempt.DidVerifiedID); err == nil {
		s.markAttempt(ctx, attempt, model.AttemptStatusReconciled, "settled via concurrent request")
		return
	} else if !errors.Is(err, repository.ErrSettlementNotFound) {
		logger.Error("reconciliation duplicate check failed",
			zap.String("subject_id", attempt.DidVerifiedID),
			zap.Error(err))
		return
	}

	result, err := s.gateway.Settle(ctx, attempt.DidVerifiedID, attempt.SubjectLabel)
	if err != nil {
		attempt.RetryCount++
		if attempt.RetryCount >= s.maxRetries {
			logger.Error("attempt exceeded retry budget, abandoning",
				zap.String("subject_id", attempt.DidVerifiedID),
				zap.Int("retry_count", attempt.RetryCount))
			s.markAttempt(ctx, attempt, model.AttemptStatusAbandoned, err.Error())
			metrics.ReconciliationTotal.WithLabelValues("abandoned").Inc()
			return
		}
		attempt.ErrorMessage = truncate(err.Error(), 500)
		if updErr := s.attempts.Update(ctx, attempt); updErr != nil {
			logger.Error("failed to bump attempt retry count",
				zap.String("subject_id", attempt.DidVerifiedID),
				zap.Error(updErr))
		}
		metrics.ReconciliationTotal.WithLabelValues("retry").Inc()
		return
	}

	switch {
	case !result.Aborted():
		// 重放成功: 原调用未落链, 这次划转生效
		s.convergeSettled(ctx, attempt, result.TxDigest, "")
		logger.Info("unconfirmed settlement reconciled",
			zap.String("subject_id", attempt.DidVerifiedID),
			zap.String("tx_digest", result.TxDigest))

	case result.AbortCode != nil && *result.AbortCode == model.AbortCodeAlreadySettled:
		// 原调用实际已落链; 用可得的摘要补齐账本行
		digest := attempt.TxDigest
		if digest == "" {
			digest = result.TxDigest
		}
		if digest == "" {
			// 原始摘要不可得, 无法满足账本行的非空摘要约束
			logger.Error("already-settled subject has no recoverable digest",
				zap.String("subject_id", attempt.DidVerifiedID))
			s.markAttempt(ctx, attempt, model.AttemptStatusAbandoned, result.RawError)
			metrics.ReconciliationTotal.WithLabelValues("abandoned").Inc()
			return
		}
		s.convergeSettled(ctx, attempt, digest, result.RawError)

	default:
		// 其他中止码 (未授权/余额不足/未知协议) 重试不会改变结果
		attempt.AbortCode = result.AbortCode
		attempt.TxDigest = result.TxDigest
		s.markAttempt(ctx, attempt, model.AttemptStatusAborted, result.RawError)
		metrics.ReconciliationTotal.WithLabelValues("aborted").Inc()
		logger.Warn("reconciliation probe aborted on-chain",
			zap.String("subject_id", attempt.DidVerifiedID),
			zap.Any("abort_code", result.AbortCode))
	}
}

// convergeSettled 在单个事务里补齐账本行并收敛尝试行;
// 两条写入不跨链上调用, 要么同时生效要么留待下一轮
func (s *ReconciliationService) convergeSettled(ctx context.Context, attempt *model.SettlementAttempt, txDigest, note string) {
	attempt.Status = model.AttemptStatusReconciled
	if note != "" {
		attempt.ErrorMessage = truncate(note, 500)
	}

	err := s.records.TransactionWithRetry(ctx, 3, func(txCtx context.Context) error {
		if err := s.insertRecord(txCtx, attempt, txDigest); err != nil {
			return err
		}
		return s.attempts.Update(txCtx, attempt)
	})
	if errors.Is(err, repository.ErrDuplicateSettlement) {
		// 并发请求在探测与写入之间完成了结算; 账本行已在,
		// 只需在事务外收敛尝试行
		s.markAttempt(ctx, attempt, model.AttemptStatusReconciled, "settled via concurrent request")
		metrics.ReconciliationTotal.WithLabelValues("settled").Inc()
		return
	}
	if err != nil {
		logger.Error("failed to persist reconciled settlement",
			zap.String("subject_id", attempt.DidVerifiedID),
			zap.Error(err))
		return
	}
	metrics.ReconciliationTotal.WithLabelValues("settled").Inc()
}

// insertRecord 写入账本行
func (s *ReconciliationService) insertRecord(ctx context.Context, attempt *model.SettlementAttempt, txDigest string) error {
	record := &model.SettlementRecord{
		DidVerifiedID:    attempt.DidVerifiedID,
		VerificationRef:  attempt.VerificationRef,
		SubjectLabel:     attempt.SubjectLabel,
		ProtocolID:       s.protocolID,
		ProtocolName:     s.protocolName,
		ProtocolAccount:  s.protocolAccount,
		PayerAccount:     attempt.PayerAccount,
		PaymentTxDigest:  txDigest,
		SettlementAmount: s.settlementAmount,
		Status:           model.SettlementStatusSuccess,
	}
	return s.records.Create(ctx, record)
}

func (s *ReconciliationService) markAttempt(ctx context.Context, attempt *model.SettlementAttempt, status model.AttemptStatus, errMsg string) {
	attempt.Status = status
	if errMsg != "" {
		attempt.ErrorMessage = truncate(errMsg, 500)
	}
	if err := s.attempts.Update(ctx, attempt); err != nil {
		logger.Error("failed to update attempt status",
			zap.String("subject_id", attempt.DidVerifiedID),
			zap.Int8("status", int8(status)),
			zap.Error(err))
	}
}
