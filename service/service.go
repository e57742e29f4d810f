// Package service is the only write entry point into the engine. It
// loads scratch copies of a market's buffers, runs one invocation,
// moves tokens, and commits everything in a single batch. A failed
// invocation discards the copies, which is the whole-invocation
// atomicity the engine core assumes from its caller.
package service

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"tidebook/domain/engine"
	"tidebook/domain/market"
	"tidebook/domain/orderbook"
	"tidebook/domain/settle"
	"tidebook/domain/tradelog"
	"tidebook/infra/outbox"
	"tidebook/infra/store"
)

// TokenMover executes the external token transfers an invocation
// decided on. Identity and account plumbing live behind it.
type TokenMover interface {
	Deposit(owner market.AccountID, mktToken bool, amount uint64) error
	Withdraw(owner market.AccountID, mktToken bool, amount uint64) error
}

type MarketService struct {
	store  *store.Store
	outbox *outbox.Outbox
	mover  TokenMover
	log    *zap.Logger
	now    func() int64
}

func New(st *store.Store, ob *outbox.Outbox, mover TokenMover, log *zap.Logger) *MarketService {
	return &MarketService{
		store:  st,
		outbox: ob,
		mover:  mover,
		log:    log,
		now:    func() int64 { return time.Now().Unix() },
	}
}

// OrderRequest is the invocation boundary for placing an order.
// SettleA/SettleB are the segment window the caller last observed;
// zero means "whatever is current". MarketOrder overrides price and
// flags to cross the book immediately.
type OrderRequest struct {
	Market      market.AccountID
	Owner       market.AccountID
	Side        market.Side
	Quantity    uint64
	Price       uint64
	Post        bool
	Fill        bool
	Expires     int64
	MarketOrder bool

	SettleA  market.AccountID
	SettleB  market.AccountID
	Rollover bool
}

type CancelRequest struct {
	Market  market.AccountID
	Owner   market.AccountID
	Side    market.Side
	OrderID market.OrderID
}

type WithdrawRequest struct {
	Market  market.AccountID
	Owner   market.AccountID
	Segment market.AccountID
}

func mapNotFound(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return market.ErrInvalidAccount
	}
	return err
}

// loadEnv builds an invocation environment from private copies of the
// market's buffers. Zero segment ids resolve to the current window.
func (s *MarketService) loadEnv(mktID, segA, segB market.AccountID) (*engine.Env, error) {
	mkt, err := s.store.Market(mktID)
	if err != nil {
		return nil, mapNotFound(err)
	}
	st, err := s.store.State(mktID)
	if err != nil {
		return nil, mapNotFound(err)
	}
	if segA.IsZero() {
		segA = st.SettleA
	}
	if segB.IsZero() {
		segB = st.SettleB
	}

	bookBuf, err := s.store.Buffer(mkt.Orders)
	if err != nil {
		return nil, mapNotFound(err)
	}
	book, err := orderbook.Attach(bookBuf)
	if err != nil {
		return nil, err
	}
	tradeBuf, err := s.store.Buffer(mkt.TradeLog)
	if err != nil {
		return nil, mapNotFound(err)
	}
	trades, err := tradelog.Attach(tradeBuf)
	if err != nil {
		return nil, err
	}
	active, err := s.loadSegment(segA)
	if err != nil {
		return nil, err
	}
	next, err := s.loadSegment(segB)
	if err != nil {
		return nil, err
	}

	return &engine.Env{
		Market: mkt,
		State:  st,
		Book:   book,
		Settle: settle.Pair{Active: active, Next: next},
		Trades: trades,
		Now:    s.now(),
	}, nil
}

func (s *MarketService) loadSegment(id market.AccountID) (*settle.Segment, error) {
	buf, err := s.store.Buffer(id)
	if err != nil {
		return nil, mapNotFound(err)
	}
	return settle.AttachSegment(id, buf)
}

// commitEnv stages everything one invocation touched plus its event.
func (s *MarketService) commitEnv(e *engine.Env, mktID market.AccountID, event []byte) error {
	b := s.store.Batch()
	err := func() error {
		if err := b.SetState(mktID, e.State); err != nil {
			return err
		}
		if err := b.SetBuffer(e.Market.Orders, e.Book.Bytes()); err != nil {
			return err
		}
		if err := b.SetBuffer(e.Market.TradeLog, e.Trades.Bytes()); err != nil {
			return err
		}
		if err := b.SetBuffer(e.Settle.Active.ID, e.Settle.Active.Bytes()); err != nil {
			return err
		}
		if err := b.SetBuffer(e.Settle.Next.ID, e.Settle.Next.Bytes()); err != nil {
			return err
		}
		if event != nil {
			if _, err := s.outbox.Enqueue(b, event); err != nil {
				return err
			}
		}
		return b.Commit()
	}()
	if err != nil {
		b.Discard()
	}
	return err
}

// PlaceOrder runs one order invocation end to end.
func (s *MarketService) PlaceOrder(req OrderRequest) (*market.TradeResult, error) {
	e, err := s.loadEnv(req.Market, req.SettleA, req.SettleB)
	if err != nil {
		return nil, err
	}

	if req.Rollover {
		if err := s.rollover(e); err != nil {
			return nil, err
		}
	}

	p := engine.OrderParams{
		Owner:    req.Owner,
		Side:     req.Side,
		Quantity: req.Quantity,
		Price:    req.Price,
		Post:     req.Post,
		Fill:     req.Fill,
		Expires:  req.Expires,
	}
	if req.MarketOrder {
		p.Post, p.Fill = false, true
		p.Price, err = s.marketPrice(e, req.Side)
		if err != nil {
			return nil, err
		}
	}

	res, err := engine.PlaceOrder(e, p)
	if err != nil {
		s.log.Debug("order rejected",
			zap.String("market", req.Market.String()),
			zap.String("owner", req.Owner.String()),
			zap.Error(err))
		return nil, err
	}

	// The taker deposits the asset they spend and receives the other.
	// Transfers run before the commit: a failed transfer aborts the
	// invocation with no state written, while a commit failure after a
	// transfer leaves the mover ahead of the engine and must be
	// reconciled through the mover's records.
	spendMkt := req.Side == market.Ask
	if res.TokensSent > 0 {
		if err := s.mover.Deposit(req.Owner, spendMkt, res.TokensSent); err != nil {
			return nil, err
		}
	}
	if res.TokensReceived > 0 {
		if err := s.mover.Withdraw(req.Owner, !spendMkt, res.TokensReceived); err != nil {
			return nil, err
		}
	}

	if err := s.commitEnv(e, req.Market, orderEvent(req, res)); err != nil {
		return nil, err
	}
	s.log.Info("order placed",
		zap.String("market", req.Market.String()),
		zap.String("owner", req.Owner.String()),
		zap.String("side", req.Side.String()),
		zap.Uint64("received", res.TokensReceived),
		zap.Uint64("posted", res.PostedQuantity))
	return res, nil
}

// rollover appends a fresh segment after the current next one. Only
// valid when the engine has flagged the window as exhausted; a stale
// request lost a race and must be retried against fresh state.
func (s *MarketService) rollover(e *engine.Env) error {
	if !e.State.LogRollover {
		return market.ErrRetrySettlement
	}
	if e.Settle.Active.ID != e.State.SettleA || e.Settle.Next.ID != e.State.SettleB {
		return market.ErrRetrySettlement
	}
	newID := newAccountID()
	buf := make([]byte, len(e.Settle.Next.Bytes()))
	fresh, err := settle.Rollover(e.State, e.Market.ID, e.Settle.Next, newID, buf, e.Settle.Next.Capacity())
	if err != nil {
		return err
	}
	s.log.Info("settlement rollover",
		zap.String("market", e.Market.ID.String()),
		zap.String("segment", newID.String()))
	e.Settle = settle.Pair{Active: e.Settle.Next, Next: fresh}
	return nil
}

// marketPrice picks the limit that crosses the whole opposite side: a
// market ask sells down to the floor, a market bid pays up to the
// worst resting ask. The bid side cannot use an unbounded price since
// the notional reservation would overflow.
func (s *MarketService) marketPrice(e *engine.Env, side market.Side) (uint64, error) {
	if side == market.Ask {
		return 1, nil
	}
	worst, ok := e.Book.Map(market.Ask).FindMax()
	if !ok {
		return 0, market.ErrOrderNotFilled
	}
	return orderbook.KeyPrice(worst.Key), nil
}

// CancelOrder removes the caller's resting order and returns the
// deposit straight to them.
func (s *MarketService) CancelOrder(req CancelRequest) (*market.WithdrawResult, error) {
	e, err := s.loadEnv(req.Market, market.AccountID{}, market.AccountID{})
	if err != nil {
		return nil, err
	}
	res, err := engine.CancelOrder(e, req.Owner, req.Side, req.OrderID)
	if err != nil {
		return nil, err
	}
	if res.MktTokens > 0 {
		if err := s.mover.Withdraw(req.Owner, true, res.MktTokens); err != nil {
			return nil, err
		}
	}
	if res.PrcTokens > 0 {
		if err := s.mover.Withdraw(req.Owner, false, res.PrcTokens); err != nil {
			return nil, err
		}
	}
	if err := s.commitEnv(e, req.Market, cancelEvent(req, res)); err != nil {
		return nil, err
	}
	return res, nil
}

// ExpireOrder reaps one expired order on behalf of any caller.
func (s *MarketService) ExpireOrder(mktID market.AccountID, side market.Side, orderID market.OrderID) error {
	e, err := s.loadEnv(mktID, market.AccountID{}, market.AccountID{})
	if err != nil {
		return err
	}
	if err := engine.ExpireOrder(e, side, orderID); err != nil {
		return err
	}
	return s.commitEnv(e, mktID, expireEvent(mktID, side, orderID))
}

// WithdrawSettled drains the caller's balances from one settlement
// segment. An interior segment that empties is unlinked and its
// neighbors rewritten.
func (s *MarketService) WithdrawSettled(req WithdrawRequest) (*market.WithdrawResult, error) {
	mkt, err := s.store.Market(req.Market)
	if err != nil {
		return nil, mapNotFound(err)
	}
	st, err := s.store.State(req.Market)
	if err != nil {
		return nil, mapNotFound(err)
	}
	seg, err := s.loadSegment(req.Segment)
	if err != nil {
		return nil, err
	}
	var prev, next *settle.Segment
	if h := seg.Header(); !h.Prev.IsZero() && !h.Next.IsZero() {
		if prev, err = s.loadSegment(h.Prev); err != nil {
			return nil, err
		}
		if next, err = s.loadSegment(h.Next); err != nil {
			return nil, err
		}
	}

	res, err := engine.WithdrawSettled(st, mkt, seg, prev, next, req.Owner)
	if err != nil {
		return nil, err
	}
	if res.MktTokens > 0 {
		if err := s.mover.Withdraw(req.Owner, true, res.MktTokens); err != nil {
			return nil, err
		}
	}
	if res.PrcTokens > 0 {
		if err := s.mover.Withdraw(req.Owner, false, res.PrcTokens); err != nil {
			return nil, err
		}
	}

	b := s.store.Batch()
	err = func() error {
		if err := b.SetState(req.Market, st); err != nil {
			return err
		}
		if err := b.SetBuffer(seg.ID, seg.Bytes()); err != nil {
			return err
		}
		if prev != nil {
			if err := b.SetBuffer(prev.ID, prev.Bytes()); err != nil {
				return err
			}
		}
		if next != nil {
			if err := b.SetBuffer(next.ID, next.Bytes()); err != nil {
				return err
			}
		}
		if _, err := s.outbox.Enqueue(b, withdrawEvent(req, res)); err != nil {
			return err
		}
		return b.Commit()
	}()
	if err != nil {
		b.Discard()
		return nil, err
	}
	return res, nil
}
