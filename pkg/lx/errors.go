package lx

import "errors"

// Permission errors
var (
	ErrNotOrderOwner = errors.New("caller is not the order owner")
	ErrNotKeeper     = errors.New("caller is not a keeper")
	ErrNotOperator   = errors.New("caller is not an operator")
)

// Validation errors
var (
	ErrPairNotFound       = errors.New("pair not found")
	ErrPairExists         = errors.New("pair already exists")
	ErrPairDisabled       = errors.New("pair disabled")
	ErrInvalidConfig      = errors.New("invalid config")
	ErrInvalidAmount      = errors.New("invalid amount")
	ErrInvalidTradeSize   = errors.New("trade size out of range")
	ErrExceedsMaxPosition = errors.New("position exceeds max amount")
	ErrLeverageOutOfRange = errors.New("leverage out of range")
	ErrTriggerNotReached  = errors.New("trigger price not reached")
	ErrSlippageExceeded   = errors.New("slippage exceeds tolerance")
	ErrPriceDeviation     = errors.New("fill price deviates from oracle")
	ErrOrderNotFound      = errors.New("order not found")
	ErrOrderNeedsADL      = errors.New("order waiting for ADL")
	ErrInvalidTradeType   = errors.New("invalid trade type")
	ErrPositionNotFound   = errors.New("position not found")
	ErrInvalidADLPosition = errors.New("invalid ADL position")
	ErrADLNotRequired     = errors.New("order does not need ADL")
	ErrPriceNotAvailable  = errors.New("price not available")
	ErrStalePrice         = errors.New("stale price")
	ErrCircuitBreaker     = errors.New("price circuit breaker tripped")
	ErrNotLiquidatable    = errors.New("position is not liquidatable")
)

// Solvency errors
var (
	ErrCollateralNotEnough      = errors.New("collateral not enough")
	ErrPoolLiquidityNotEnough   = errors.New("pool liquidity not enough")
	ErrInsufficientVaultBalance = errors.New("insufficient vault balance")
	ErrADLInsufficient          = errors.New("ADL did not free enough liquidity")
	ErrInsufficientBalance      = errors.New("insufficient token balance")
	ErrInsufficientInsurance    = errors.New("insufficient insurance fund balance")
)

// ErrInvariantViolation marks a broken accounting invariant. It is never
// expected from valid input.
var ErrInvariantViolation = errors.New("invariant violation")

// ErrorKind classifies an engine error for callers such as the RPC layer.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindPermission
	KindValidation
	KindSolvency
	KindInvariant
)

func (k ErrorKind) String() string {
	switch k {
	case KindPermission:
		return "permission"
	case KindValidation:
		return "validation"
	case KindSolvency:
		return "solvency"
	case KindInvariant:
		return "invariant"
	default:
		return "unknown"
	}
}

var errorKinds = map[ErrorKind][]error{
	KindPermission: {ErrNotOrderOwner, ErrNotKeeper, ErrNotOperator},
	KindValidation: {
		ErrPairNotFound, ErrPairExists, ErrPairDisabled, ErrInvalidConfig, ErrInvalidAmount,
		ErrInvalidTradeSize, ErrExceedsMaxPosition, ErrLeverageOutOfRange, ErrTriggerNotReached,
		ErrSlippageExceeded, ErrPriceDeviation, ErrOrderNotFound, ErrOrderNeedsADL,
		ErrInvalidTradeType, ErrPositionNotFound, ErrInvalidADLPosition, ErrADLNotRequired, ErrPriceNotAvailable,
		ErrStalePrice, ErrCircuitBreaker, ErrNotLiquidatable,
	},
	KindSolvency: {
		ErrCollateralNotEnough, ErrPoolLiquidityNotEnough, ErrInsufficientVaultBalance,
		ErrADLInsufficient, ErrInsufficientBalance, ErrInsufficientInsurance,
	},
	KindInvariant: {ErrInvariantViolation},
}

// KindOf returns the taxonomy bucket of err.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	for _, kind := range []ErrorKind{KindInvariant, KindPermission, KindSolvency, KindValidation} {
		for _, target := range errorKinds[kind] {
			if errors.Is(err, target) {
				return kind
			}
		}
	}
	return KindUnknown
}
