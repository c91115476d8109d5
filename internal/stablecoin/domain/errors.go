package domain

import (
	"errors"
	"fmt"
)

// 业务校验错误：在任何状态变更前拒绝，调用方修正输入后可重试。
var (
	ErrStablecoinNotFound     = errors.New("stablecoin not found")
	ErrPositionNotFound       = errors.New("position not found")
	ErrMintingDisabled        = errors.New("minting is disabled")
	ErrBurningDisabled        = errors.New("burning is disabled")
	ErrMaxSupplyExceeded      = errors.New("maximum supply reached")
	ErrInsufficientBalance    = errors.New("insufficient balance")
	ErrInsufficientCollateral = errors.New("insufficient collateral")
	ErrExceedsDebt            = errors.New("cannot burn more than debt amount")
	ErrUndercollateralized    = errors.New("collateral release would make position undercollateralized")
	ErrAssetMismatch          = errors.New("collateral asset mismatch")
	ErrPositionNotActive      = errors.New("position is not active")
	ErrSelfLiquidation        = errors.New("cannot liquidate own position")
)

// ErrRateUnavailable 预言机无法提供所需汇率。对单资产估值调用是硬失败；
// 跨资产聚合计算允许跳过该资产并在结果中记录。
var ErrRateUnavailable = errors.New("exchange rate unavailable")

// ErrVersionConflict 乐观锁冲突，可重试。
var ErrVersionConflict = errors.New("version conflict, please retry")

// IsValidation 判断错误是否属于业务校验类（可由调用方修正输入后重试）。
func IsValidation(err error) bool {
	for _, target := range []error{
		ErrMintingDisabled,
		ErrBurningDisabled,
		ErrMaxSupplyExceeded,
		ErrInsufficientBalance,
		ErrInsufficientCollateral,
		ErrExceedsDebt,
		ErrUndercollateralized,
		ErrAssetMismatch,
		ErrPositionNotActive,
		ErrSelfLiquidation,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsNotFound 判断错误是否为资源不存在。
func IsNotFound(err error) bool {
	return errors.Is(err, ErrStablecoinNotFound) || errors.Is(err, ErrPositionNotFound)
}

// IsRetryable 判断错误是否为并发冲突（可原样重试）。
func IsRetryable(err error) bool {
	return errors.Is(err, ErrVersionConflict)
}

// MustInvariant 断言领域不变量。不变量被破坏属于程序缺陷而非业务错误，
// 直接 panic 终止当前操作，禁止吞掉。
func MustInvariant(cond bool, format string, args ...any) {
	if !cond {
		panic(fmt.Sprintf("invariant violation: "+format, args...))
	}
}
