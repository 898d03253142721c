package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/veripay-labs/veripay-settlement/internal/model"
)

var (
	ErrSettlementNotFound  = errors.New("settlement record not found")
	ErrDuplicateSettlement = errors.New("settlement already recorded")
	ErrAttemptNotFound     = errors.New("settlement attempt not found")
)

// SettlementRepository 结算记录仓储接口
type SettlementRepository interface {
	// 写入; did_verified_id 或 payment_tx_digest 冲突时返回 ErrDuplicateSettlement
	Create(ctx context.Context, record *model.SettlementRecord) error

	// 查询
	GetBySubjectID(ctx context.Context, subjectID string) (*model.SettlementRecord, error)
	GetByID(ctx context.Context, id int64) (*model.SettlementRecord, error)
	ListByPayer(ctx context.Context, payerAccount string) ([]*model.SettlementRecord, error)
	List(ctx context.Context, query *ListQuery) ([]*model.SettlementRecord, int64, error)
	ExistsBySubjectID(ctx context.Context, subjectID string) (bool, error)

	// 事务; fn 内通过 ctx 取事务句柄, 可重试错误 (串行化失败/死锁) 自动重试
	TransactionWithRetry(ctx context.Context, maxRetries int, fn func(ctx context.Context) error) error
}

// settlementRepository 结算记录仓储实现
type settlementRepository struct {
	*Repository
}

// NewSettlementRepository 创建结算记录仓储
func NewSettlementRepository(db *gorm.DB) SettlementRepository {
	return &settlementRepository{
		Repository: NewRepository(db),
	}
}

func (r *settlementRepository) Create(ctx context.Context, record *model.SettlementRecord) error {
	if record.CreatedAt == 0 {
		record.CreatedAt = time.Now().UnixMilli()
	}
	if record.Status == 0 {
		record.Status = model.SettlementStatusSuccess
	}
	if err := r.DB(ctx).Create(record).Error; err != nil {
		if IsDuplicateKeyError(err) {
			return ErrDuplicateSettlement
		}
		return err
	}
	return nil
}

func (r *settlementRepository) GetBySubjectID(ctx context.Context, subjectID string) (*model.SettlementRecord, error) {
	var record model.SettlementRecord
	// 按不变量至多一行; Order 保证即使约束被绕过也返回最新行
	err := r.DB(ctx).
		Where("did_verified_id = ?", subjectID).
		Order("created_at DESC").
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSettlementNotFound
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (r *settlementRepository) GetByID(ctx context.Context, id int64) (*model.SettlementRecord, error) {
	var record model.SettlementRecord
	err := r.DB(ctx).Where("id = ?", id).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSettlementNotFound
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (r *settlementRepository) ListByPayer(ctx context.Context, payerAccount string) ([]*model.SettlementRecord, error) {
	var records []*model.SettlementRecord
	err := r.DB(ctx).
		Where("payer_account = ?", payerAccount).
		Order("created_at DESC").
		Find(&records).Error
	return records, err
}

func (r *settlementRepository) List(ctx context.Context, query *ListQuery) ([]*model.SettlementRecord, int64, error) {
	var records []*model.SettlementRecord
	var total int64

	db := r.DB(ctx).Model(&model.SettlementRecord{})
	if err := db.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	err := query.Apply(db.Order("created_at DESC")).Find(&records).Error
	return records, total, err
}

func (r *settlementRepository) ExistsBySubjectID(ctx context.Context, subjectID string) (bool, error) {
	_, err := r.GetBySubjectID(ctx, subjectID)
	if errors.Is(err, ErrSettlementNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// AttemptRepository 结算尝试审计仓储接口
type AttemptRepository interface {
	Create(ctx context.Context, attempt *model.SettlementAttempt) error
	Update(ctx context.Context, attempt *model.SettlementAttempt) error
	ListUnconfirmed(ctx context.Context, limit int) ([]*model.SettlementAttempt, error)
	ListBySubjectID(ctx context.Context, subjectID string) ([]*model.SettlementAttempt, error)
}

// attemptRepository 结算尝试仓储实现
type attemptRepository struct {
	*Repository
}

// NewAttemptRepository 创建结算尝试仓储
func NewAttemptRepository(db *gorm.DB) AttemptRepository {
	return &attemptRepository{
		Repository: NewRepository(db),
	}
}

func (r *attemptRepository) Create(ctx context.Context, attempt *model.SettlementAttempt) error {
	now := time.Now().UnixMilli()
	attempt.CreatedAt = now
	attempt.UpdatedAt = now
	return r.DB(ctx).Create(attempt).Error
}

func (r *attemptRepository) Update(ctx context.Context, attempt *model.SettlementAttempt) error {
	attempt.UpdatedAt = time.Now().UnixMilli()
	result := r.DB(ctx).Save(attempt)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrAttemptNotFound
	}
	return nil
}

func (r *attemptRepository) ListUnconfirmed(ctx context.Context, limit int) ([]*model.SettlementAttempt, error) {
	var attempts []*model.SettlementAttempt
	err := r.DB(ctx).
		Where("status = ?", model.AttemptStatusUnconfirmed).
		Order("created_at ASC").
		Limit(limit).
		Find(&attempts).Error
	return attempts, err
}

func (r *attemptRepository) ListBySubjectID(ctx context.Context, subjectID string) ([]*model.SettlementAttempt, error) {
	var attempts []*model.SettlementAttempt
	err := r.DB(ctx).
		Where("did_verified_id = ?", subjectID).
		Order("created_at DESC").
		Find(&attempts).Error
	return attempts, err
}
