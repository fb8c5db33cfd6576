package signer

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"os"
	"strings"

	"Vincent/internal/config"
	xerrors "Vincent/internal/errors"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Signer 抽象了代理钱包的签名能力。执行阶段的所有链上写入都必须
// 经由该接口签名，直接签名与代付 Gas 两种通道由配置选择。
type Signer interface {
	// Address 返回签名身份对应的地址。
	Address() common.Address
	// SignMessage 对任意消息做 EIP-191 personal_sign 签名。
	SignMessage(ctx context.Context, message []byte) ([]byte, error)
	// SignTx 对交易签名。
	SignTx(ctx context.Context, tx *coretypes.Transaction, chainID *big.Int) (*coretypes.Transaction, error)
	// TransactOpts 构造可用于合约交互的签名器。
	TransactOpts(chainID *big.Int) (*bind.TransactOpts, error)
	// Sponsored 报告该签名通道是否由第三方代付 Gas。
	Sponsored() bool
}

// DirectSigner 使用本地私钥直接签名，Gas 由代理钱包自身承担。
type DirectSigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewDirectSigner 从十六进制私钥构造 DirectSigner。
func NewDirectSigner(hexKey string) (*DirectSigner, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if hexKey == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "私钥不能为空")
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析私钥失败")
	}
	return &DirectSigner{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
	}, nil
}

// Address 返回签名地址。
func (s *DirectSigner) Address() common.Address {
	if s == nil {
		return common.Address{}
	}
	return s.address
}

// SignMessage 对消息做 personal_sign 签名。
func (s *DirectSigner) SignMessage(_ context.Context, message []byte) ([]byte, error) {
	if s == nil || s.key == nil {
		return nil, xerrors.New(xerrors.CodeSignerFailure, "签名器未初始化")
	}
	digest := accounts.TextHash(message)
	sig, err := crypto.Sign(digest, s.key)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeSignerFailure, err, "消息签名失败")
	}
	return sig, nil
}

// SignTx 使用链对应的签名规则对交易签名。
func (s *DirectSigner) SignTx(_ context.Context, tx *coretypes.Transaction, chainID *big.Int) (*coretypes.Transaction, error) {
	if s == nil || s.key == nil {
		return nil, xerrors.New(xerrors.CodeSignerFailure, "签名器未初始化")
	}
	if chainID == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "缺少链 ID")
	}
	signed, err := coretypes.SignTx(tx, coretypes.LatestSignerForChainID(chainID), s.key)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeSignerFailure, err, "交易签名失败")
	}
	return signed, nil
}

// TransactOpts 构造合约交互所需的签名器。
func (s *DirectSigner) TransactOpts(chainID *big.Int) (*bind.TransactOpts, error) {
	if s == nil || s.key == nil {
		return nil, xerrors.New(xerrors.CodeSignerFailure, "签名器未初始化")
	}
	opts, err := bind.NewKeyedTransactorWithChainID(s.key, chainID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeSignerFailure, err, "构造交易签名器失败")
	}
	return opts, nil
}

// Sponsored 直接签名通道不代付 Gas。
func (s *DirectSigner) Sponsored() bool { return false }

// SponsorshipCredentials 是代付 Gas 通道所需的凭证。
type SponsorshipCredentials struct {
	APIKey   string
	PolicyID string
}

// SponsoredSigner 在直接签名之上叠加代付 Gas 通道。交易仍由代理钱包
// 签名，但会携带赞助凭证交由中继承担 Gas 费用。
type SponsoredSigner struct {
	inner       Signer
	credentials SponsorshipCredentials
}

// NewSponsoredSigner 校验凭证并构造 SponsoredSigner。
func NewSponsoredSigner(inner Signer, creds SponsorshipCredentials) (*SponsoredSigner, error) {
	if inner == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "代付通道需要内部签名器")
	}
	if strings.TrimSpace(creds.APIKey) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "代付通道缺少 api_key")
	}
	if strings.TrimSpace(creds.PolicyID) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "代付通道缺少 policy_id")
	}
	return &SponsoredSigner{inner: inner, credentials: creds}, nil
}

// Address 返回内部签名器的地址。
func (s *SponsoredSigner) Address() common.Address {
	return s.inner.Address()
}

// SignMessage 代理给内部签名器。
func (s *SponsoredSigner) SignMessage(ctx context.Context, message []byte) ([]byte, error) {
	return s.inner.SignMessage(ctx, message)
}

// SignTx 代理给内部签名器。
func (s *SponsoredSigner) SignTx(ctx context.Context, tx *coretypes.Transaction, chainID *big.Int) (*coretypes.Transaction, error) {
	return s.inner.SignTx(ctx, tx, chainID)
}

// TransactOpts 返回 Gas 价格清零的签名器，费用由中继结算。
func (s *SponsoredSigner) TransactOpts(chainID *big.Int) (*bind.TransactOpts, error) {
	opts, err := s.inner.TransactOpts(chainID)
	if err != nil {
		return nil, err
	}
	opts.GasPrice = big.NewInt(0)
	return opts, nil
}

// Sponsored 报告该通道代付 Gas。
func (s *SponsoredSigner) Sponsored() bool { return true }

// Credentials 返回赞助凭证。
func (s *SponsoredSigner) Credentials() SponsorshipCredentials {
	return s.credentials
}

// FromConfig 根据配置构造签名通道。
func FromConfig(cfg config.SignerConfig) (Signer, error) {
	hexKey := strings.TrimSpace(os.Getenv(cfg.PrivateKeyEnv))
	direct, err := NewDirectSigner(hexKey)
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Mode)) {
	case "", "direct":
		return direct, nil
	case "sponsored":
		apiKey := strings.TrimSpace(cfg.Sponsorship.APIKey)
		if apiKey == "" && cfg.Sponsorship.APIKeyEnv != "" {
			apiKey = strings.TrimSpace(os.Getenv(cfg.Sponsorship.APIKeyEnv))
		}
		return NewSponsoredSigner(direct, SponsorshipCredentials{
			APIKey:   apiKey,
			PolicyID: cfg.Sponsorship.PolicyID,
		})
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未知的签名通道: "+cfg.Mode)
	}
}
