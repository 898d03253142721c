package service

import (
	"context"
	"errors"
	"strconv"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/veripay-labs/veripay-settlement/internal/metrics"
	"github.com/veripay-labs/veripay-settlement/internal/model"
	"github.com/veripay-labs/veripay-settlement/internal/repository"
)

const (
	testSubjectID = "0x3584c0bd1742675eb9bfb1df554b8b0fe3e1d6f441a9b3e4bb6639cdbbecd2f1"
	testPayer     = "0xa1f7c44d1b8e09234c5d6e7f8091a2b3c4d5e6f708192a3b4c5d6e7f80912a3b"
	testVerifyRef = "BHKjhBHFyvZZPjpSxLCR5MqHCjKxHPJvqxKQHKjV9H9V"
	testTxDigest  = "7rDBN3iAWpRDRmzZQV4tMfhPsRPCVddzfc3N2WUXpTTM"
)

// mockSettlementRepository 模拟结算仓储; 事务直接在当前上下文执行
type mockSettlementRepository struct {
	mock.Mock
	txCalls int
}

func (m *mockSettlementRepository) Create(ctx context.Context, record *model.SettlementRecord) error {
	args := m.Called(ctx, record)
	return args.Error(0)
}

func (m *mockSettlementRepository) GetBySubjectID(ctx context.Context, subjectID string) (*model.SettlementRecord, error) {
	args := m.Called(ctx, subjectID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.SettlementRecord), args.Error(1)
}

func (m *mockSettlementRepository) GetByID(ctx context.Context, id int64) (*model.SettlementRecord, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.SettlementRecord), args.Error(1)
}

func (m *mockSettlementRepository) ListByPayer(ctx context.Context, payerAccount string) ([]*model.SettlementRecord, error) {
	args := m.Called(ctx, payerAccount)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*model.SettlementRecord), args.Error(1)
}

func (m *mockSettlementRepository) List(ctx context.Context, query *repository.ListQuery) ([]*model.SettlementRecord, int64, error) {
	args := m.Called(ctx, query)
	if args.Get(0) == nil {
		return nil, 0, args.Error(2)
	}
	return args.Get(0).([]*model.SettlementRecord), args.Get(1).(int64), args.Error(2)
}

func (m *mockSettlementRepository) ExistsBySubjectID(ctx context.Context, subjectID string) (bool, error) {
	args := m.Called(ctx, subjectID)
	return args.Bool(0), args.Error(1)
}

func (m *mockSettlementRepository) TransactionWithRetry(ctx context.Context, maxRetries int, fn func(ctx context.Context) error) error {
	m.txCalls++
	return fn(ctx)
}

// mockAttemptRepository 模拟尝试仓储
type mockAttemptRepository struct {
	mock.Mock
}

func (m *mockAttemptRepository) Create(ctx context.Context, attempt *model.SettlementAttempt) error {
	args := m.Called(ctx, attempt)
	return args.Error(0)
}

func (m *mockAttemptRepository) Update(ctx context.Context, attempt *model.SettlementAttempt) error {
	args := m.Called(ctx, attempt)
	return args.Error(0)
}

func (m *mockAttemptRepository) ListUnconfirmed(ctx context.Context, limit int) ([]*model.SettlementAttempt, error) {
	args := m.Called(ctx, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*model.SettlementAttempt), args.Error(1)
}

func (m *mockAttemptRepository) ListBySubjectID(ctx context.Context, subjectID string) ([]*model.SettlementAttempt, error) {
	args := m.Called(ctx, subjectID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*model.SettlementAttempt), args.Error(1)
}

// mockLedgerGateway 模拟链上网关
type mockLedgerGateway struct {
	mock.Mock
}

func (m *mockLedgerGateway) Settle(ctx context.Context, subjectID, subjectLabel string) (*model.LedgerCallResult, error) {
	args := m.Called(ctx, subjectID, subjectLabel)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.LedgerCallResult), args.Error(1)
}

// createTestService 创建测试用的结算编排服务 (无 Redis 锁)
func createTestService(repo *mockSettlementRepository, attempts *mockAttemptRepository, gateway *mockLedgerGateway) *SettlementService {
	return NewSettlementService(repo, attempts, gateway, nil, &SettlementServiceConfig{
		ProtocolID:       42,
		ProtocolName:     "VeriPay",
		ProtocolAccount:  testPayer,
		SettlementAmount: 3000000,
		ExplorerURL:      "https://suiscan.xyz/testnet/tx/",
	})
}

func validRequest() *model.SettlementRequest {
	return &model.SettlementRequest{
		VerificationRef: testVerifyRef,
		SubjectID:       testSubjectID,
		SubjectLabel:    "KYC Level 2",
		PayerAccount:    testPayer,
	}
}

func TestSubmitSettlement_Success(t *testing.T) {
	repo := &mockSettlementRepository{}
	attempts := &mockAttemptRepository{}
	gateway := &mockLedgerGateway{}
	svc := createTestService(repo, attempts, gateway)

	var published *model.SettlementRecordedEvent
	svc.SetOnSettlementRecorded(func(_ context.Context, event *model.SettlementRecordedEvent) error {
		published = event
		return nil
	})

	repo.On("GetBySubjectID", mock.Anything, testSubjectID).
		Return(nil, repository.ErrSettlementNotFound)
	gateway.On("Settle", mock.Anything, testSubjectID, "KYC Level 2").
		Return(&model.LedgerCallResult{Status: model.ExecutionSuccess, TxDigest: testTxDigest}, nil)
	repo.On("Create", mock.Anything, mock.Anything).Return(nil)

	record, err := svc.SubmitSettlement(context.Background(), validRequest())

	assert.NoError(t, err)
	assert.NotNil(t, record)
	assert.Equal(t, testSubjectID, record.DidVerifiedID)
	assert.Equal(t, testTxDigest, record.PaymentTxDigest)
	assert.Equal(t, int64(3000000), record.SettlementAmount)
	assert.Equal(t, int64(42), record.ProtocolID)
	assert.Equal(t, model.SettlementStatusSuccess, record.Status)

	assert.NotNil(t, published)
	assert.Equal(t, testSubjectID, published.SubjectID)
	assert.Equal(t, testTxDigest, published.PaymentTxDigest)

	gateway.AssertNumberOfCalls(t, "Settle", 1)
	repo.AssertExpectations(t)
	attempts.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
}

func TestSubmitSettlement_ValidationRejectsBeforeAnySideEffect(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(req *model.SettlementRequest)
		field  string
	}{
		{"缺少验证引用", func(r *model.SettlementRequest) { r.VerificationRef = "" }, "verificationReference"},
		{"缺少代币 ID", func(r *model.SettlementRequest) { r.SubjectID = "" }, "subjectId"},
		{"缺少付款账户", func(r *model.SettlementRequest) { r.PayerAccount = "" }, "payerAccount"},
		{"验证引用非 base58", func(r *model.SettlementRequest) { r.VerificationRef = "0OIl+not-base58-at-all-0OIl+not-base58-at-al" }, "verificationReference"},
		{"代币 ID 缺少前缀", func(r *model.SettlementRequest) { r.SubjectID = testSubjectID[2:] }, "subjectId"},
		{"代币 ID 过短", func(r *model.SettlementRequest) { r.SubjectID = "0x3584c0bd" }, "subjectId"},
		{"付款账户非十六进制", func(r *model.SettlementRequest) { r.PayerAccount = "0xzz" + testPayer[4:] }, "payerAccount"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := &mockSettlementRepository{}
			attempts := &mockAttemptRepository{}
			gateway := &mockLedgerGateway{}
			svc := createTestService(repo, attempts, gateway)

			req := validRequest()
			tt.mutate(req)

			record, err := svc.SubmitSettlement(context.Background(), req)

			assert.Nil(t, record)
			var verr *ValidationError
			assert.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)

			// 校验失败不触达存储与链
			repo.AssertNotCalled(t, "GetBySubjectID", mock.Anything, mock.Anything)
			gateway.AssertNotCalled(t, "Settle", mock.Anything, mock.Anything, mock.Anything)
			attempts.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
		})
	}
}

func TestSubmitSettlement_DuplicatePreCheck(t *testing.T) {
	repo := &mockSettlementRepository{}
	attempts := &mockAttemptRepository{}
	gateway := &mockLedgerGateway{}
	svc := createTestService(repo, attempts, gateway)

	existing := &model.SettlementRecord{
		ID:              7,
		DidVerifiedID:   testSubjectID,
		PaymentTxDigest: testTxDigest,
	}
	repo.On("GetBySubjectID", mock.Anything, testSubjectID).Return(existing, nil)

	record, err := svc.SubmitSettlement(context.Background(), validRequest())

	assert.Nil(t, record)
	var cerr *ConflictError
	assert.ErrorAs(t, err, &cerr)
	assert.Equal(t, existing, cerr.Existing)

	// 已结算的代币不会再次触发链上调用
	gateway.AssertNotCalled(t, "Settle", mock.Anything, mock.Anything, mock.Anything)
	repo.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
}

func TestSubmitSettlement_LedgerAbort(t *testing.T) {
	tests := []struct {
		name    string
		code    int64
		message string
	}{
		{"已结算", model.AbortCodeAlreadySettled, "token already settled on-chain"},
		{"余额不足", model.AbortCodeInsufficientFunds, "protocol vault has insufficient funds"},
		{"未授权", model.AbortCodeUnauthorized, "authorization/protocol mismatch"},
		{"未知协议", model.AbortCodeUnknownProtocol, "authorization/protocol mismatch"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := &mockSettlementRepository{}
			attempts := &mockAttemptRepository{}
			gateway := &mockLedgerGateway{}
			svc := createTestService(repo, attempts, gateway)

			code := tt.code
			repo.On("GetBySubjectID", mock.Anything, testSubjectID).
				Return(nil, repository.ErrSettlementNotFound)
			gateway.On("Settle", mock.Anything, testSubjectID, mock.Anything).
				Return(&model.LedgerCallResult{
					Status:    model.ExecutionAborted,
					TxDigest:  testTxDigest,
					AbortCode: &code,
					RawError:  "MoveAbort(MoveLocation { module: settlement }, 3) in command 0",
				}, nil)
			attempts.On("Create", mock.Anything, mock.MatchedBy(func(a *model.SettlementAttempt) bool {
				return a.Status == model.AttemptStatusAborted && a.AbortCode != nil && *a.AbortCode == tt.code
			})).Return(nil)

			abortCounter := metrics.LedgerAbortsTotal.WithLabelValues(strconv.FormatInt(tt.code, 10))
			before := testutil.ToFloat64(abortCounter)

			record, err := svc.SubmitSettlement(context.Background(), validRequest())

			assert.Nil(t, record)
			var aerr *LedgerAbortError
			assert.ErrorAs(t, err, &aerr)
			assert.Equal(t, tt.message, aerr.Message())
			assert.Equal(t, before+1, testutil.ToFloat64(abortCounter))

			// 中止的调用不写入账本行
			repo.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
			attempts.AssertExpectations(t)
		})
	}
}

func TestSubmitSettlement_TransportFailure(t *testing.T) {
	repo := &mockSettlementRepository{}
	attempts := &mockAttemptRepository{}
	gateway := &mockLedgerGateway{}
	svc := createTestService(repo, attempts, gateway)

	repo.On("GetBySubjectID", mock.Anything, testSubjectID).
		Return(nil, repository.ErrSettlementNotFound)
	gateway.On("Settle", mock.Anything, testSubjectID, mock.Anything).
		Return(nil, errors.New("rpc timeout"))
	attempts.On("Create", mock.Anything, mock.MatchedBy(func(a *model.SettlementAttempt) bool {
		return a.Status == model.AttemptStatusUnconfirmed && a.DidVerifiedID == testSubjectID
	})).Return(nil)

	record, err := svc.SubmitSettlement(context.Background(), validRequest())

	assert.Nil(t, record)
	assert.ErrorIs(t, err, ErrTransportFailure)

	// 结果未知, 请求内不重试
	gateway.AssertNumberOfCalls(t, "Settle", 1)
	repo.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
	attempts.AssertExpectations(t)
}

func TestSubmitSettlement_DuplicateRaceOnInsert(t *testing.T) {
	repo := &mockSettlementRepository{}
	attempts := &mockAttemptRepository{}
	gateway := &mockLedgerGateway{}
	svc := createTestService(repo, attempts, gateway)

	winner := &model.SettlementRecord{ID: 3, DidVerifiedID: testSubjectID}

	// 预检查时记录尚不存在, 插入时竞争对手已落库
	repo.On("GetBySubjectID", mock.Anything, testSubjectID).
		Return(nil, repository.ErrSettlementNotFound).Once()
	gateway.On("Settle", mock.Anything, testSubjectID, mock.Anything).
		Return(&model.LedgerCallResult{Status: model.ExecutionSuccess, TxDigest: testTxDigest}, nil)
	repo.On("Create", mock.Anything, mock.Anything).
		Return(repository.ErrDuplicateSettlement)
	repo.On("GetBySubjectID", mock.Anything, testSubjectID).
		Return(winner, nil).Once()

	record, err := svc.SubmitSettlement(context.Background(), validRequest())

	assert.Nil(t, record)
	var cerr *ConflictError
	assert.ErrorAs(t, err, &cerr)
	assert.Equal(t, winner, cerr.Existing)
	attempts.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
}

func TestSubmitSettlement_StorageFailureAfterChainSuccess(t *testing.T) {
	repo := &mockSettlementRepository{}
	attempts := &mockAttemptRepository{}
	gateway := &mockLedgerGateway{}
	svc := createTestService(repo, attempts, gateway)

	repo.On("GetBySubjectID", mock.Anything, testSubjectID).
		Return(nil, repository.ErrSettlementNotFound)
	gateway.On("Settle", mock.Anything, testSubjectID, mock.Anything).
		Return(&model.LedgerCallResult{Status: model.ExecutionSuccess, TxDigest: testTxDigest}, nil)
	repo.On("Create", mock.Anything, mock.Anything).
		Return(errors.New("connection reset"))
	attempts.On("Create", mock.Anything, mock.MatchedBy(func(a *model.SettlementAttempt) bool {
		return a.Status == model.AttemptStatusUnconfirmed && a.TxDigest == testTxDigest
	})).Return(nil)

	record, err := svc.SubmitSettlement(context.Background(), validRequest())

	assert.Nil(t, record)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrTransportFailure)
	attempts.AssertExpectations(t)
}

func TestGetStatus(t *testing.T) {
	repo := &mockSettlementRepository{}
	svc := createTestService(repo, &mockAttemptRepository{}, &mockLedgerGateway{})

	existing := &model.SettlementRecord{ID: 1, DidVerifiedID: testSubjectID}
	repo.On("GetBySubjectID", mock.Anything, testSubjectID).Return(existing, nil)

	record, settled, err := svc.GetStatus(context.Background(), testSubjectID)
	assert.NoError(t, err)
	assert.True(t, settled)
	assert.Equal(t, existing, record)
}

func TestGetStatus_NotSettled(t *testing.T) {
	repo := &mockSettlementRepository{}
	svc := createTestService(repo, &mockAttemptRepository{}, &mockLedgerGateway{})

	repo.On("GetBySubjectID", mock.Anything, testSubjectID).
		Return(nil, repository.ErrSettlementNotFound)

	record, settled, err := svc.GetStatus(context.Background(), testSubjectID)
	assert.NoError(t, err)
	assert.False(t, settled)
	assert.Nil(t, record)
}

func TestExplorerURL(t *testing.T) {
	svc := createTestService(&mockSettlementRepository{}, &mockAttemptRepository{}, &mockLedgerGateway{})

	assert.Equal(t, "https://suiscan.xyz/testnet/tx/"+testTxDigest, svc.ExplorerURL(testTxDigest))
	assert.Equal(t, "", svc.ExplorerURL(""))
}
