package market

import "errors"

var (
	// ErrOutOfSpace: an arena region has no free node or record slot.
	ErrOutOfSpace = errors.New("out of space")

	// ErrOrderbookFull: the book is full and the incoming order does
	// not price out the worst resting order.
	ErrOrderbookFull = errors.New("orderbook full")

	// ErrSettlementLogFull: neither settlement segment can absorb a
	// credit.
	ErrSettlementLogFull = errors.New("settlement log full")

	// ErrRetrySettlement: the caller referenced stale settlement
	// segments, or requested a rollover that already happened.
	ErrRetrySettlement = errors.New("retry with current settlement accounts")

	ErrOverflow          = errors.New("arithmetic overflow")
	ErrInvalidParameters = errors.New("invalid parameters")
	ErrInvalidAccount    = errors.New("invalid account")
	ErrAccessDenied      = errors.New("access denied")
	ErrOrderNotFound     = errors.New("order not found")
	ErrAccountNotFound   = errors.New("account not found")
	ErrMarketClosed      = errors.New("market closed")
	ErrOrderNotFilled    = errors.New("order not filled")
	ErrQuantityBelowMin  = errors.New("quantity below minimum")
	ErrInternal          = errors.New("internal error")
)
