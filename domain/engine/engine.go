// Package engine runs order placement and book maintenance against
// one market's buffers. Every operation mutates the attached buffers
// and market state in place and returns an error without attempting
// rollback; callers hand the engine scratch copies and discard them
// when an operation fails.
package engine

import (
	"tidebook/domain/market"
	"tidebook/domain/orderbook"
	"tidebook/domain/settle"
	"tidebook/domain/tradelog"
	"tidebook/infra/critbit"
)

const (
	// MaxEvictions bounds how many resting orders one post may price
	// out before giving up.
	MaxEvictions = 10

	// MaxExpirations bounds how many expired orders one invocation
	// reaps in passing.
	MaxExpirations = 10
)

// Env bundles the attached views an invocation works on.
type Env struct {
	Market *market.Market
	State  *market.State
	Book   *orderbook.Book
	Settle settle.Pair
	Trades *tradelog.Log
	Now    int64
}

// OrderParams describes one incoming order.
type OrderParams struct {
	Owner    market.AccountID
	Side     market.Side
	Quantity uint64
	Price    uint64
	Post     bool  // rest the remainder on the book
	Fill     bool  // reject unless fully filled, excludes Post
	Expires  int64 // unix seconds, zero for no expiry
}

func add(dst *uint64, amount uint64) error {
	v, err := market.SafeAdd(*dst, amount)
	if err != nil {
		return err
	}
	*dst = v
	return nil
}

func sub(dst *uint64, amount uint64) error {
	v, err := market.SafeSub(*dst, amount)
	if err != nil {
		return err
	}
	*dst = v
	return nil
}

func (e *Env) activeCounter(side market.Side) *uint64 {
	if side == market.Bid {
		return &e.State.ActiveBid
	}
	return &e.State.ActiveAsk
}

// checkSettleWindow rejects invocations built against a stale pair of
// settlement segments. Rollovers race with orders; the caller reloads
// and retries.
func (e *Env) checkSettleWindow() error {
	if e.Settle.Active == nil || e.Settle.Next == nil ||
		e.Settle.Active.ID != e.State.SettleA ||
		e.Settle.Next.ID != e.State.SettleB {
		return market.ErrRetrySettlement
	}
	return nil
}

// refund computes what a resting order on a side is owed when it
// leaves the book without matching: a bid gets its pricing tokens
// back, an ask its market tokens.
func refund(side market.Side, amount, price, factor uint64) (uint64, bool, error) {
	if side == market.Bid {
		total, err := market.ScalePrice(amount, price, factor)
		return total, false, err
	}
	return amount, true, nil
}

// PlaceOrder runs one limit order: match against the opposite side,
// reap expired orders seen on the way, then post or discard the
// remainder.
func PlaceOrder(e *Env, p OrderParams) (*market.TradeResult, error) {
	mkt, st := e.Market, e.State
	if p.Quantity == 0 || p.Price == 0 {
		return nil, market.ErrInvalidParameters
	}
	if p.Post && p.Fill {
		return nil, market.ErrInvalidParameters
	}
	if !mkt.Active {
		return nil, market.ErrMarketClosed
	}
	if p.Quantity < mkt.MinQuantity {
		return nil, market.ErrQuantityBelowMin
	}
	if err := e.checkSettleWindow(); err != nil {
		return nil, err
	}

	expiry := int64(0)
	if mkt.ExpireEnable && p.Expires != 0 {
		dur := p.Expires - e.Now
		if dur <= 0 || dur < mkt.ExpireMin {
			return nil, market.ErrInvalidParameters
		}
		expiry = p.Expires
	}

	factor := mkt.DecimalFactor()

	// Reserve the full deposit up front; unused amounts come back as
	// a discount at the end.
	tokensIn := p.Quantity
	if p.Side == market.Bid {
		var err error
		if tokensIn, err = market.ScalePrice(p.Quantity, p.Price, factor); err != nil {
			return nil, err
		}
	}
	if err := add(&st.ActionCounter, 1); err != nil {
		return nil, err
	}
	if p.Side == market.Bid {
		if err := add(&st.PrcVaultBalance, tokensIn); err != nil {
			return nil, err
		}
		if err := add(&st.PrcOrderBalance, tokensIn); err != nil {
			return nil, err
		}
	} else {
		if err := add(&st.MktVaultBalance, tokensIn); err != nil {
			return nil, err
		}
		if err := add(&st.MktOrderBalance, tokensIn); err != nil {
			return nil, err
		}
	}

	oppSide := p.Side.Opposite()
	oppMap := e.Book.Map(oppSide)

	var (
		toFill             = p.Quantity
		filled, paid, fees uint64
		expired            []critbit.Key
	)
	queueExpired := func(k critbit.Key) {
		for _, q := range expired {
			if q == k {
				return
			}
		}
		expired = append(expired, k)
	}
	// An order is matchable when it has not expired and belongs to
	// someone else. Expired ones are queued for cleanup below.
	valid := func(l critbit.Leaf) bool {
		o := e.Book.Order(oppSide, l.Slot)
		if o.Expiry != 0 && o.Expiry <= e.Now {
			queueExpired(l.Key)
			return false
		}
		return l.Owner != p.Owner
	}

	for toFill > 0 {
		var best critbit.Leaf
		var ok bool
		if p.Side == market.Bid {
			best, ok = oppMap.PredicateMin(valid)
		} else {
			best, ok = oppMap.PredicateMax(valid)
		}
		if !ok {
			break
		}
		postedPrice := orderbook.KeyPrice(best.Key)
		if p.Side == market.Bid && postedPrice > p.Price {
			break
		}
		if p.Side == market.Ask && postedPrice < p.Price {
			break
		}

		posted := e.Book.Order(oppSide, best.Slot)
		matched := toFill
		kind := tradelog.MatchPartial
		makerFilled := false
		if posted.Amount <= toFill {
			matched = posted.Amount
			makerFilled = true
			kind = tradelog.MatchEntire
			if posted.Amount == toFill {
				kind = tradelog.MatchExact
			}
		}

		part, err := market.ScalePrice(matched, postedPrice, factor)
		if err != nil {
			return nil, err
		}
		fee, err := market.Fee(mkt.TakerFee, part)
		if err != nil {
			return nil, err
		}
		if err := add(&filled, matched); err != nil {
			return nil, err
		}
		if err := add(&paid, part); err != nil {
			return nil, err
		}
		if err := add(&fees, fee); err != nil {
			return nil, err
		}

		if _, err := e.Trades.Append(tradelog.Entry{
			Kind:         kind,
			TakerSide:    p.Side,
			MakerFilled:  makerFilled,
			ActionID:     st.ActionCounter,
			MakerOrderID: market.OrderID{Hi: best.Key.Hi, Lo: best.Key.Lo},
			Maker:        best.Owner,
			Taker:        p.Owner,
			Amount:       matched,
			Price:        postedPrice,
			Ts:           e.Now,
		}); err != nil {
			return nil, err
		}

		if makerFilled {
			oppMap.RemoveByKey(best.Key)
			e.Book.Free(oppSide, best.Slot)
			if err := sub(e.activeCounter(oppSide), 1); err != nil {
				return nil, err
			}
		} else {
			e.Book.SetOrder(oppSide, best.Slot, orderbook.Order{
				Amount: posted.Amount - matched,
				Expiry: posted.Expiry,
			})
		}
		st.LastPrice = postedPrice
		st.LastTs = e.Now

		// The maker is owed the asset the taker brought: pricing
		// tokens against a bid taker, market tokens against an ask.
		makerAmt, makerMkt := part, false
		if p.Side == market.Ask {
			makerAmt, makerMkt = matched, true
		}
		if err := settle.Credit(st, e.Settle, best.Owner, makerMkt, makerAmt, e.Now); err != nil {
			return nil, err
		}
		toFill -= matched
	}

	if err := e.reapExpired(oppSide, expired, factor); err != nil {
		return nil, err
	}

	res := &market.TradeResult{TokensFee: fees}
	remaining := p.Quantity - filled
	if remaining > 0 && p.Fill {
		return nil, market.ErrOrderNotFilled
	}
	if remaining > 0 && p.Post {
		key, err := e.post(p, remaining, expiry, factor)
		if err != nil {
			return nil, err
		}
		res.PostedQuantity = remaining
		res.OrderID = market.OrderID{Hi: key.Hi, Lo: key.Lo}
		if p.Side == market.Bid {
			part, err := market.ScalePrice(remaining, p.Price, factor)
			if err != nil {
				return nil, err
			}
			if err := add(&paid, part); err != nil {
				return nil, err
			}
		}
	}

	if p.Side == market.Bid {
		return res, e.settleBid(res, tokensIn, paid, fees, filled)
	}
	return res, e.settleAsk(res, tokensIn, paid, fees, filled, res.PostedQuantity)
}

// post rests the remainder on the book, evicting strictly worse
// priced orders when the side is full.
func (e *Env) post(p OrderParams, remaining uint64, expiry int64, factor uint64) (critbit.Key, error) {
	st := e.State
	key := orderbook.NewKey(st, p.Side, p.Price)
	slot, err := e.Book.Alloc(p.Side)
	if err != nil {
		return critbit.Key{}, err
	}
	m := e.Book.Map(p.Side)
	evictions := 0
	for {
		_, _, err := m.InsertLeaf(critbit.Leaf{Key: key, Slot: slot, Owner: p.Owner})
		if err == nil {
			e.Book.SetOrder(p.Side, slot, orderbook.Order{Amount: remaining, Expiry: expiry})
			return key, add(e.activeCounter(p.Side), 1)
		}
		if evictions == MaxEvictions {
			return critbit.Key{}, market.ErrInternal
		}

		// The incoming price must beat the worst price left resting
		// after the eviction, otherwise the new order would itself be
		// the next eviction candidate.
		var evict, next critbit.Leaf
		var ok, okNext bool
		if p.Side == market.Bid {
			evict, ok = m.FindMin()
			next, okNext = m.PredicateMin(func(l critbit.Leaf) bool { return l.Key != evict.Key })
		} else {
			evict, ok = m.FindMax()
			next, okNext = m.PredicateMax(func(l critbit.Leaf) bool { return l.Key != evict.Key })
		}
		if !ok {
			return critbit.Key{}, market.ErrInternal
		}
		evictPrice := orderbook.KeyPrice(evict.Key)
		gate := evictPrice
		if okNext {
			gate = orderbook.KeyPrice(next.Key)
		}
		if p.Side == market.Bid && p.Price <= gate {
			return critbit.Key{}, market.ErrOrderbookFull
		}
		if p.Side == market.Ask && p.Price >= gate {
			return critbit.Key{}, market.ErrOrderbookFull
		}

		amount := e.Book.Order(p.Side, evict.Slot).Amount
		total, mktToken, err := refund(p.Side, amount, evictPrice, factor)
		if err != nil {
			return critbit.Key{}, err
		}
		if err := settle.Credit(st, e.Settle, evict.Owner, mktToken, total, e.Now); err != nil {
			return critbit.Key{}, err
		}
		m.RemoveByKey(evict.Key)
		e.Book.Free(p.Side, evict.Slot)
		if err := sub(e.activeCounter(p.Side), 1); err != nil {
			return critbit.Key{}, err
		}
		evictions++
	}
}

// reapExpired removes up to MaxExpirations queued expired orders,
// crediting their owners through the settlement ledger. Most recently
// seen first, matching the queue order.
func (e *Env) reapExpired(side market.Side, expired []critbit.Key, factor uint64) error {
	m := e.Book.Map(side)
	cleaned := 0
	for len(expired) > 0 && cleaned < MaxExpirations {
		k := expired[len(expired)-1]
		expired = expired[:len(expired)-1]
		leaf, ok := m.GetKey(k)
		if !ok {
			continue
		}
		amount := e.Book.Order(side, leaf.Slot).Amount
		total, mktToken, err := refund(side, amount, orderbook.KeyPrice(k), factor)
		if err != nil {
			return err
		}
		if err := settle.Credit(e.State, e.Settle, leaf.Owner, mktToken, total, e.Now); err != nil {
			return err
		}
		m.RemoveByKey(k)
		e.Book.Free(side, leaf.Slot)
		if err := sub(e.activeCounter(side), 1); err != nil {
			return err
		}
		cleaned++
	}
	return nil
}

// settleBid reconciles a bid's optimistic reservation: the unused
// part of the deposit comes back, the fee is charged on top.
func (e *Env) settleBid(res *market.TradeResult, tokensIn, paid, fees, filled uint64) error {
	st := e.State
	discount, err := market.SafeSub(tokensIn, paid)
	if err != nil {
		return err
	}
	if err := sub(&st.PrcVaultBalance, discount); err != nil {
		return err
	}
	if err := sub(&st.PrcOrderBalance, discount); err != nil {
		return err
	}
	if err := add(&st.PrcVaultBalance, fees); err != nil {
		return err
	}
	if err := add(&st.PrcFeesBalance, fees); err != nil {
		return err
	}
	res.TokensSent = tokensIn - discount + fees
	if filled > 0 {
		if err := sub(&st.MktVaultBalance, filled); err != nil {
			return err
		}
		if err := sub(&st.MktOrderBalance, filled); err != nil {
			return err
		}
		res.TokensReceived = filled
	}
	return nil
}

// settleAsk reconciles an ask: the quantity neither filled nor posted
// comes back, the fee comes out of the pricing tokens received.
func (e *Env) settleAsk(res *market.TradeResult, tokensIn, paid, fees, filled, posted uint64) error {
	st := e.State
	used, err := market.SafeAdd(filled, posted)
	if err != nil {
		return err
	}
	discount, err := market.SafeSub(tokensIn, used)
	if err != nil {
		return err
	}
	if err := sub(&st.MktVaultBalance, discount); err != nil {
		return err
	}
	if err := sub(&st.MktOrderBalance, discount); err != nil {
		return err
	}
	res.TokensSent = tokensIn - discount
	if filled > 0 {
		received, err := market.SafeSub(paid, fees)
		if err != nil {
			return err
		}
		if err := sub(&st.PrcVaultBalance, received); err != nil {
			return err
		}
		if err := sub(&st.PrcOrderBalance, paid); err != nil {
			return err
		}
		if err := add(&st.PrcFeesBalance, fees); err != nil {
			return err
		}
		res.TokensReceived = received
	}
	return nil
}
