package signer

import (
	"context"
	"math/big"
	"testing"

	"Vincent/internal/config"

	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// 测试专用私钥，对应地址可由公钥推导验证。
const testKeyHex = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func TestDirectSignerDerivesAddress(t *testing.T) {
	signer, err := NewDirectSigner(testKeyHex)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}

	key, err := crypto.HexToECDSA(testKeyHex)
	if err != nil {
		t.Fatalf("parse key: %v", err)
	}
	expected := crypto.PubkeyToAddress(key.PublicKey)
	if signer.Address() != expected {
		t.Fatalf("expected %s, got %s", expected.Hex(), signer.Address().Hex())
	}
	if signer.Sponsored() {
		t.Fatal("直接签名通道不应代付 Gas")
	}
}

func TestDirectSignerAcceptsHexPrefix(t *testing.T) {
	plain, err := NewDirectSigner(testKeyHex)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	prefixed, err := NewDirectSigner("0x" + testKeyHex)
	if err != nil {
		t.Fatalf("new signer with prefix: %v", err)
	}
	if plain.Address() != prefixed.Address() {
		t.Fatal("0x 前缀不应改变签名身份")
	}
}

func TestDirectSignerRejectsBadKey(t *testing.T) {
	if _, err := NewDirectSigner(""); err == nil {
		t.Fatal("空私钥应当报错")
	}
	if _, err := NewDirectSigner("zz"); err == nil {
		t.Fatal("非法私钥应当报错")
	}
}

func TestSignMessageProducesRecoverableSignature(t *testing.T) {
	signer, err := NewDirectSigner(testKeyHex)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}

	sig, err := signer.SignMessage(context.Background(), []byte("vincent"))
	if err != nil {
		t.Fatalf("sign message: %v", err)
	}
	if len(sig) != 65 {
		t.Fatalf("expected 65 byte signature, got %d", len(sig))
	}
}

func TestSignTxRequiresChainID(t *testing.T) {
	signer, err := NewDirectSigner(testKeyHex)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}

	tx := coretypes.NewTransaction(0, common.Address{}, big.NewInt(0), 21000, big.NewInt(1), nil)
	if _, err := signer.SignTx(context.Background(), tx, nil); err == nil {
		t.Fatal("缺少链 ID 应当报错")
	}

	signed, err := signer.SignTx(context.Background(), tx, big.NewInt(11155111))
	if err != nil {
		t.Fatalf("sign tx: %v", err)
	}
	sender, err := coretypes.Sender(coretypes.LatestSignerForChainID(big.NewInt(11155111)), signed)
	if err != nil {
		t.Fatalf("recover sender: %v", err)
	}
	if sender != signer.Address() {
		t.Fatalf("expected sender %s, got %s", signer.Address().Hex(), sender.Hex())
	}
}

func TestSponsoredSignerValidatesCredentials(t *testing.T) {
	inner, err := NewDirectSigner(testKeyHex)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}

	if _, err := NewSponsoredSigner(inner, SponsorshipCredentials{PolicyID: "p"}); err == nil {
		t.Fatal("缺少 api_key 应当报错")
	}
	if _, err := NewSponsoredSigner(inner, SponsorshipCredentials{APIKey: "k"}); err == nil {
		t.Fatal("缺少 policy_id 应当报错")
	}

	sponsored, err := NewSponsoredSigner(inner, SponsorshipCredentials{APIKey: "k", PolicyID: "p"})
	if err != nil {
		t.Fatalf("new sponsored signer: %v", err)
	}
	if !sponsored.Sponsored() {
		t.Fatal("expected sponsored channel")
	}
	if sponsored.Address() != inner.Address() {
		t.Fatal("代付通道不应改变签名身份")
	}

	opts, err := sponsored.TransactOpts(big.NewInt(1))
	if err != nil {
		t.Fatalf("transact opts: %v", err)
	}
	if opts.GasPrice == nil || opts.GasPrice.Sign() != 0 {
		t.Fatalf("代付通道的 Gas 价格应当为零，实际 %v", opts.GasPrice)
	}
}

func TestFromConfigReadsEnvironment(t *testing.T) {
	t.Setenv("TEST_VINCENT_KEY", testKeyHex)

	signer, err := FromConfig(config.SignerConfig{Mode: "direct", PrivateKeyEnv: "TEST_VINCENT_KEY"})
	if err != nil {
		t.Fatalf("from config: %v", err)
	}
	if signer.Sponsored() {
		t.Fatal("expected direct signer")
	}

	cfg := config.SignerConfig{Mode: "carrier-pigeon", PrivateKeyEnv: "TEST_VINCENT_KEY"}
	if _, err := FromConfig(cfg); err == nil {
		t.Fatal("未知通道应当报错")
	}
}
