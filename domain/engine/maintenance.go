package engine

import (
	"tidebook/domain/market"
	"tidebook/domain/orderbook"
	"tidebook/domain/settle"
	"tidebook/infra/critbit"
)

// CancelOrder removes the caller's resting order and releases its
// deposit straight back, bypassing the settlement ledger.
func CancelOrder(e *Env, owner market.AccountID, side market.Side, orderID market.OrderID) (*market.WithdrawResult, error) {
	st := e.State
	key := critbit.Key{Hi: orderID.Hi, Lo: orderID.Lo}
	m := e.Book.Map(side)
	leaf, ok := m.GetKey(key)
	if !ok {
		return nil, market.ErrOrderNotFound
	}
	if leaf.Owner != owner {
		return nil, market.ErrAccessDenied
	}
	if err := add(&st.ActionCounter, 1); err != nil {
		return nil, err
	}
	if err := sub(e.activeCounter(side), 1); err != nil {
		return nil, err
	}

	amount := e.Book.Order(side, leaf.Slot).Amount
	res := &market.WithdrawResult{}
	if side == market.Bid {
		total, err := market.ScalePrice(amount, orderbook.KeyPrice(key), e.Market.DecimalFactor())
		if err != nil {
			return nil, err
		}
		if err := sub(&st.PrcVaultBalance, total); err != nil {
			return nil, err
		}
		if err := sub(&st.PrcOrderBalance, total); err != nil {
			return nil, err
		}
		res.PrcTokens = total
	} else {
		if err := sub(&st.MktVaultBalance, amount); err != nil {
			return nil, err
		}
		if err := sub(&st.MktOrderBalance, amount); err != nil {
			return nil, err
		}
		res.MktTokens = amount
	}

	m.RemoveByKey(key)
	e.Book.Free(side, leaf.Slot)
	return res, nil
}

// ExpireOrder reaps a single expired order by id. Anyone may call it;
// the order's owner is credited through the settlement ledger.
func ExpireOrder(e *Env, side market.Side, orderID market.OrderID) error {
	st := e.State
	if err := e.checkSettleWindow(); err != nil {
		return err
	}
	key := critbit.Key{Hi: orderID.Hi, Lo: orderID.Lo}
	m := e.Book.Map(side)
	leaf, ok := m.GetKey(key)
	if !ok {
		return market.ErrOrderNotFound
	}
	o := e.Book.Order(side, leaf.Slot)
	if o.Expiry == 0 || o.Expiry > e.Now {
		return market.ErrInvalidParameters
	}
	if err := add(&st.ActionCounter, 1); err != nil {
		return err
	}

	total, mktToken, err := refund(side, o.Amount, orderbook.KeyPrice(key), e.Market.DecimalFactor())
	if err != nil {
		return err
	}
	if err := settle.Credit(st, e.Settle, leaf.Owner, mktToken, total, e.Now); err != nil {
		return err
	}
	m.RemoveByKey(key)
	e.Book.Free(side, leaf.Slot)
	return sub(e.activeCounter(side), 1)
}

// WithdrawSettled pays out an owner's entry from one settlement
// segment. When that empties an interior segment, the segment is
// unlinked from the chain; prev and next may be nil for boundary
// segments.
func WithdrawSettled(st *market.State, mkt *market.Market, seg, prev, next *settle.Segment, owner market.AccountID) (*market.WithdrawResult, error) {
	if seg.Header().Market != mkt.ID {
		return nil, market.ErrInvalidAccount
	}
	h := seg.Header()
	closeLog := h.Items == 1 && !h.Prev.IsZero() && !h.Next.IsZero()

	entry, err := seg.Remove(owner)
	if err != nil {
		return nil, err
	}
	if err := add(&st.ActionCounter, 1); err != nil {
		return nil, err
	}

	res := &market.WithdrawResult{MktTokens: entry.MktBalance, PrcTokens: entry.PrcBalance}
	if entry.MktBalance > 0 {
		if err := sub(&st.MktLogBalance, entry.MktBalance); err != nil {
			return nil, err
		}
		if err := sub(&st.MktVaultBalance, entry.MktBalance); err != nil {
			return nil, err
		}
	}
	if entry.PrcBalance > 0 {
		if err := sub(&st.PrcLogBalance, entry.PrcBalance); err != nil {
			return nil, err
		}
		if err := sub(&st.PrcVaultBalance, entry.PrcBalance); err != nil {
			return nil, err
		}
	}

	if closeLog && prev != nil && next != nil {
		if err := settle.Unlink(st, seg, prev, next); err != nil {
			return nil, err
		}
	}
	return res, nil
}
