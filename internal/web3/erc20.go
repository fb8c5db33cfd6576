package web3

import (
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// erc20ABI 仅包含运行时需要的 ERC-20 函数。
const erc20ABI = `[
  {"name":"balanceOf","type":"function","stateMutability":"view",
   "inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"name":"allowance","type":"function","stateMutability":"view",
   "inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"name":"decimals","type":"function","stateMutability":"view",
   "inputs":[],"outputs":[{"name":"","type":"uint8"}]},
  {"name":"transfer","type":"function","stateMutability":"nonpayable",
   "inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
  {"name":"approve","type":"function","stateMutability":"nonpayable",
   "inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}
]`

// routerABI 仅包含 DEX 路由合约中报价与兑换所需的函数。
const routerABI = `[
  {"name":"getAmountsOut","type":"function","stateMutability":"view",
   "inputs":[{"name":"amountIn","type":"uint256"},{"name":"path","type":"address[]"}],
   "outputs":[{"name":"amounts","type":"uint256[]"}]},
  {"name":"swapExactTokensForTokens","type":"function","stateMutability":"nonpayable",
   "inputs":[{"name":"amountIn","type":"uint256"},{"name":"amountOutMin","type":"uint256"},
     {"name":"path","type":"address[]"},{"name":"to","type":"address"},{"name":"deadline","type":"uint256"}],
   "outputs":[{"name":"amounts","type":"uint256[]"}]}
]`

var (
	abiOnce sync.Once
	erc20   abi.ABI
	router  abi.ABI
	abiErr  error
)

func loadABIs() error {
	abiOnce.Do(func() {
		var err error
		erc20, err = abi.JSON(strings.NewReader(erc20ABI))
		if err != nil {
			abiErr = fmt.Errorf("解析 ERC-20 ABI 失败: %w", err)
			return
		}
		router, err = abi.JSON(strings.NewReader(routerABI))
		if err != nil {
			abiErr = fmt.Errorf("解析路由 ABI 失败: %w", err)
		}
	})
	return abiErr
}

// PackBalanceOf 编码 balanceOf 调用数据。
func PackBalanceOf(owner common.Address) ([]byte, error) {
	if err := loadABIs(); err != nil {
		return nil, err
	}
	return erc20.Pack("balanceOf", owner)
}

// PackAllowance 编码 allowance 调用数据。
func PackAllowance(owner, spender common.Address) ([]byte, error) {
	if err := loadABIs(); err != nil {
		return nil, err
	}
	return erc20.Pack("allowance", owner, spender)
}

// PackDecimals 编码 decimals 调用数据。
func PackDecimals() ([]byte, error) {
	if err := loadABIs(); err != nil {
		return nil, err
	}
	return erc20.Pack("decimals")
}

// PackTransfer 编码 transfer 调用数据。
func PackTransfer(to common.Address, amount *big.Int) ([]byte, error) {
	if err := loadABIs(); err != nil {
		return nil, err
	}
	return erc20.Pack("transfer", to, amount)
}

// PackApprove 编码 approve 调用数据。
func PackApprove(spender common.Address, amount *big.Int) ([]byte, error) {
	if err := loadABIs(); err != nil {
		return nil, err
	}
	return erc20.Pack("approve", spender, amount)
}

// UnpackUint256 解码单个 uint256 返回值。
func UnpackUint256(data []byte) (*big.Int, error) {
	if err := loadABIs(); err != nil {
		return nil, err
	}
	values, err := erc20.Unpack("balanceOf", data)
	if err != nil {
		return nil, fmt.Errorf("解码 uint256 返回值失败: %w", err)
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("uint256 返回值数量异常: %d", len(values))
	}
	return abi.ConvertType(values[0], new(big.Int)).(*big.Int), nil
}

// UnpackUint8 解码单个 uint8 返回值。
func UnpackUint8(data []byte) (uint8, error) {
	if err := loadABIs(); err != nil {
		return 0, err
	}
	values, err := erc20.Unpack("decimals", data)
	if err != nil {
		return 0, fmt.Errorf("解码 uint8 返回值失败: %w", err)
	}
	if len(values) != 1 {
		return 0, fmt.Errorf("uint8 返回值数量异常: %d", len(values))
	}
	return *abi.ConvertType(values[0], new(uint8)).(*uint8), nil
}

// PackGetAmountsOut 编码路由报价调用数据。
func PackGetAmountsOut(amountIn *big.Int, path []common.Address) ([]byte, error) {
	if err := loadABIs(); err != nil {
		return nil, err
	}
	return router.Pack("getAmountsOut", amountIn, path)
}

// UnpackAmountsOut 解码路由报价返回的金额序列。
func UnpackAmountsOut(data []byte) ([]*big.Int, error) {
	if err := loadABIs(); err != nil {
		return nil, err
	}
	values, err := router.Unpack("getAmountsOut", data)
	if err != nil {
		return nil, fmt.Errorf("解码报价返回值失败: %w", err)
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("报价返回值数量异常: %d", len(values))
	}
	return *abi.ConvertType(values[0], new([]*big.Int)).(*[]*big.Int), nil
}

// PackSwapExactTokensForTokens 编码兑换调用数据。
func PackSwapExactTokensForTokens(amountIn, amountOutMin *big.Int, path []common.Address, to common.Address, deadline *big.Int) ([]byte, error) {
	if err := loadABIs(); err != nil {
		return nil, err
	}
	return router.Pack("swapExactTokensForTokens", amountIn, amountOutMin, path, to, deadline)
}
