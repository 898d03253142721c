// Package model 提供结算服务的数据模型
package model

// SettlementStatus 结算记录状态
type SettlementStatus int8

const (
	SettlementStatusSuccess SettlementStatus = 1 // 成功 (唯一会写入主表的状态)
	SettlementStatusFailed  SettlementStatus = 2 // 失败 (保留值, 失败尝试记录在 settlement_attempts)
)

func (s SettlementStatus) String() string {
	switch s {
	case SettlementStatusSuccess:
		return "SUCCESS"
	case SettlementStatusFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// SettlementRecord 结算记录
//
// 每个已验证代币 (did_verified_id) 至多一条成功记录。
// did_verified_id 与 payment_tx_digest 上的唯一约束是幂等性的最终防线,
// 编排器的预检查只是优化。记录创建后不更新、不删除。
type SettlementRecord struct {
	ID               int64            `gorm:"primaryKey;autoIncrement" json:"id"`
	DidVerifiedID    string           `gorm:"column:did_verified_id;type:varchar(66);uniqueIndex;not null" json:"subjectId"`
	VerificationRef  string           `gorm:"column:verification_ref;type:varchar(64);not null" json:"verificationReference"`
	SubjectLabel     string           `gorm:"column:subject_label;type:varchar(256)" json:"subjectLabel"`
	ProtocolID       int64            `gorm:"column:protocol_id;type:bigint;not null" json:"protocolId"`
	ProtocolName     string           `gorm:"column:protocol_name;type:varchar(64);not null" json:"protocolName"`
	ProtocolAccount  string           `gorm:"column:protocol_account;type:varchar(66);not null" json:"protocolAccount"`
	PayerAccount     string           `gorm:"column:payer_account;type:varchar(66);index;not null" json:"payerAccount"`
	PaymentTxDigest  string           `gorm:"column:payment_tx_digest;type:varchar(64);uniqueIndex;not null" json:"settlementTxId"`
	SettlementAmount int64            `gorm:"column:settlement_amount;type:bigint;not null" json:"settlementAmount"`
	Status           SettlementStatus `gorm:"column:status;type:smallint;not null;default:1" json:"status"`
	CreatedAt        int64            `gorm:"column:created_at;type:bigint;not null" json:"createdAt"`
}

// TableName 返回表名
func (SettlementRecord) TableName() string {
	return "verification_settlements"
}

// AttemptStatus 结算尝试状态
type AttemptStatus int8

const (
	AttemptStatusUnconfirmed AttemptStatus = 0 // 传输失败, 链上结果未知, 待对账
	AttemptStatusAborted     AttemptStatus = 1 // 链上中止, 状态未变更
	AttemptStatusReconciled  AttemptStatus = 2 // 对账完成, 主表已有记录
	AttemptStatusAbandoned   AttemptStatus = 3 // 超过重试上限, 需人工介入
)

func (s AttemptStatus) String() string {
	switch s {
	case AttemptStatusUnconfirmed:
		return "UNCONFIRMED"
	case AttemptStatusAborted:
		return "ABORTED"
	case AttemptStatusReconciled:
		return "RECONCILED"
	case AttemptStatusAbandoned:
		return "ABANDONED"
	default:
		return "UNKNOWN"
	}
}

// SettlementAttempt 结算尝试审计记录
//
// 与主表不同, did_verified_id 不唯一: 同一代币的多次失败尝试各占一行。
// UNCONFIRMED 行由对账服务重试 (链上 already-settled 中止码保证重试安全)。
type SettlementAttempt struct {
	ID              int64         `gorm:"primaryKey;autoIncrement" json:"id"`
	DidVerifiedID   string        `gorm:"column:did_verified_id;type:varchar(66);index;not null" json:"subjectId"`
	VerificationRef string        `gorm:"column:verification_ref;type:varchar(64);not null" json:"verificationReference"`
	SubjectLabel    string        `gorm:"column:subject_label;type:varchar(256)" json:"subjectLabel"`
	PayerAccount    string        `gorm:"column:payer_account;type:varchar(66);not null" json:"payerAccount"`
	TxDigest        string        `gorm:"column:tx_digest;type:varchar(64)" json:"txDigest"`
	AbortCode       *int64        `gorm:"column:abort_code;type:bigint" json:"abortCode,omitempty"`
	ErrorMessage    string        `gorm:"column:error_message;type:varchar(500)" json:"errorMessage"`
	Status          AttemptStatus `gorm:"column:status;type:smallint;index;not null;default:0" json:"status"`
	RetryCount      int           `gorm:"column:retry_count;type:int;not null;default:0" json:"retryCount"`
	CreatedAt       int64         `gorm:"column:created_at;type:bigint;not null" json:"createdAt"`
	UpdatedAt       int64         `gorm:"column:updated_at;type:bigint;not null" json:"updatedAt"`
}

// TableName 返回表名
func (SettlementAttempt) TableName() string {
	return "settlement_attempts"
}

// SettlementRequest 结算请求 (瞬态, 每次调用构造)
type SettlementRequest struct {
	VerificationRef string `json:"verificationReference"`
	SubjectID       string `json:"subjectId"`
	SubjectLabel    string `json:"subjectLabel"`
	PayerAccount    string `json:"payerAccount"`
}

// ExecutionStatus 链上执行状态
type ExecutionStatus string

const (
	ExecutionSuccess ExecutionStatus = "success"
	ExecutionAborted ExecutionStatus = "aborted"
)

// 链上入口点的中止码
const (
	AbortCodeUnauthorized      int64 = 1
	AbortCodeInsufficientFunds int64 = 2
	AbortCodeAlreadySettled    int64 = 3
	AbortCodeUnknownProtocol   int64 = 4
)

// LedgerCallResult 链上调用结果 (瞬态)
//
// AbortCode 仅在 Status == ExecutionAborted 且错误串携带中止码时存在;
// 中止的交易仍可能落链并产生摘要。
type LedgerCallResult struct {
	Status    ExecutionStatus `json:"status"`
	TxDigest  string          `json:"txDigest"`
	AbortCode *int64          `json:"abortCode,omitempty"`
	RawError  string          `json:"rawError,omitempty"`
}

// Aborted 判断调用是否中止
func (r *LedgerCallResult) Aborted() bool {
	return r.Status == ExecutionAborted
}

// SettlementRecordedEvent 结算落库事件 (发送到 Kafka)
type SettlementRecordedEvent struct {
	EventID          string `json:"event_id"`
	SubjectID        string `json:"subject_id"`
	PayerAccount     string `json:"payer_account"`
	PaymentTxDigest  string `json:"payment_tx_digest"`
	SettlementAmount int64  `json:"settlement_amount"`
	ProtocolID       int64  `json:"protocol_id"`
	RecordedAt       int64  `json:"recorded_at"`
}
