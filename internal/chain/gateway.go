// Package chain 提供链上结算网关
//
// 网关只封装一种出站能力: 构造对固定入口点的一次 Move 调用,
// 用持有的凭证签名提交, 返回结构化结果。每次调用至多产生一次
// 链上变更尝试; 重试语义归编排器所有, 网关内部不重试。
package chain

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"

	"github.com/block-vision/sui-go-sdk/models"
	"github.com/block-vision/sui-go-sdk/signer"
	"github.com/block-vision/sui-go-sdk/sui"

	"github.com/veripay-labs/veripay-settlement/internal/model"
)

var (
	ErrMissingCredential = errors.New("signing credential not configured")
	ErrMissingObjectID   = errors.New("required contract object id not configured")
)

// 默认值
const (
	defaultModule       = "settlement"
	defaultFunction     = "settle_verification"
	defaultClockID      = "0x6"
	defaultGasBudget    = "100000000"
	defaultSubjectLabel = "DID Verification"
)

// moveAbortPattern 从 effects 错误串提取中止码, 如
// MoveAbort(MoveLocation { ... }, 3) in command 0
var moveAbortPattern = regexp.MustCompile(`MoveAbort\(.*,\s*(\d+)\)`)

// Config 网关配置
type Config struct {
	RPCURL   string
	Mnemonic string

	PackageID  string
	Module     string
	Function   string
	RegistryID string // 共享可变注册表
	AdminCapID string // 持有的授权能力
	VaultID    string // 共享可变金库
	ClockID    string // 共享不可变时钟 (0x6)
	ProtocolID int64

	GasBudget    string
	DefaultLabel string
}

// Gateway 链上结算网关
//
// 签名凭证在构造时注入, 初始化后只读, 供所有并发请求共享
// (每次签名无状态, 不需要加锁)。
type Gateway struct {
	client sui.ISuiAPI
	signer *signer.Signer

	packageID  string
	module     string
	function   string
	registryID string
	adminCapID string
	vaultID    string
	clockID    string
	protocolID int64

	gasBudget    string
	defaultLabel string
}

// NewGateway 创建网关
func NewGateway(cfg *Config) (*Gateway, error) {
	if cfg.Mnemonic == "" {
		return nil, ErrMissingCredential
	}
	if cfg.PackageID == "" || cfg.RegistryID == "" || cfg.AdminCapID == "" || cfg.VaultID == "" {
		return nil, ErrMissingObjectID
	}

	s, err := signer.NewSignertWithMnemonic(cfg.Mnemonic)
	if err != nil {
		return nil, fmt.Errorf("derive signer from mnemonic: %w", err)
	}

	module := cfg.Module
	if module == "" {
		module = defaultModule
	}
	function := cfg.Function
	if function == "" {
		function = defaultFunction
	}
	clockID := cfg.ClockID
	if clockID == "" {
		clockID = defaultClockID
	}
	gasBudget := cfg.GasBudget
	if gasBudget == "" {
		gasBudget = defaultGasBudget
	}
	defaultLabel := cfg.DefaultLabel
	if defaultLabel == "" {
		defaultLabel = defaultSubjectLabel
	}

	return &Gateway{
		client:       sui.NewSuiClient(cfg.RPCURL),
		signer:       s,
		packageID:    cfg.PackageID,
		module:       module,
		function:     function,
		registryID:   cfg.RegistryID,
		adminCapID:   cfg.AdminCapID,
		vaultID:      cfg.VaultID,
		clockID:      clockID,
		protocolID:   cfg.ProtocolID,
		gasBudget:    gasBudget,
		defaultLabel: defaultLabel,
	}, nil
}

// Settle 提交一次结算调用
//
// 入口点参数顺序固定: 注册表、授权能力、金库、协议 ID、代币地址、
// 标签、时钟。链上中止通过返回值的 AbortCode 原样上报, 不做解释;
// 传输层失败以 error 返回, 此时链上结果未知。
func (g *Gateway) Settle(ctx context.Context, subjectID, subjectLabel string) (*model.LedgerCallResult, error) {
	if subjectLabel == "" {
		subjectLabel = g.defaultLabel
	}

	txn, err := g.client.MoveCall(ctx, models.MoveCallRequest{
		Signer:          g.signer.Address,
		PackageObjectId: g.packageID,
		Module:          g.module,
		Function:        g.function,
		TypeArguments:   []interface{}{},
		Arguments: []interface{}{
			g.registryID,
			g.adminCapID,
			g.vaultID,
			strconv.FormatInt(g.protocolID, 10),
			subjectID,
			subjectLabel,
			g.clockID,
		},
		GasBudget: g.gasBudget,
	})
	if err != nil {
		return nil, fmt.Errorf("build settlement call: %w", err)
	}

	rsp, err := g.client.SignAndExecuteTransactionBlock(ctx, models.SignAndExecuteTransactionBlockRequest{
		TxnMetaData: txn,
		PriKey:      g.signer.PriKey,
		Options: models.SuiTransactionBlockOptions{
			ShowInput:   true,
			ShowEffects: true,
			ShowEvents:  true,
		},
		RequestType: "WaitForLocalExecution",
	})
	if err != nil {
		return nil, fmt.Errorf("execute settlement call: %w", err)
	}

	result := &model.LedgerCallResult{
		Status:   model.ExecutionSuccess,
		TxDigest: rsp.Digest,
	}

	if rsp.Effects.Status.Status != "success" {
		result.Status = model.ExecutionAborted
		result.RawError = rsp.Effects.Status.Error
		result.AbortCode = ParseAbortCode(rsp.Effects.Status.Error)
	}

	return result, nil
}

// ParseAbortCode 从 effects 错误串提取中止码; 无法提取时返回 nil
func ParseAbortCode(effectsError string) *int64 {
	m := moveAbortPattern.FindStringSubmatch(effectsError)
	if m == nil {
		return nil
	}
	code, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return nil
	}
	return &code
}

// AdminAddress 返回持有凭证对应的地址
func (g *Gateway) AdminAddress() string {
	return g.signer.Address
}

// PackageID 返回合约包地址
func (g *Gateway) PackageID() string {
	return g.packageID
}

// ProtocolID 返回固定协议 ID
func (g *Gateway) ProtocolID() int64 {
	return g.protocolID
}
