package service

import (
	"github.com/google/uuid"
	"go.uber.org/zap"

	"tidebook/domain/market"
	"tidebook/domain/orderbook"
	"tidebook/domain/settle"
	"tidebook/domain/tradelog"
)

// MarketParams configures a new market. Zero capacities fall back to
// the engine defaults.
type MarketParams struct {
	TakerFee     uint32
	MinQuantity  uint64
	MktDecimals  uint8
	ExpireEnable bool
	ExpireMin    int64

	MaxOrders   int
	MaxTrades   int
	MaxAccounts int
}

// newAccountID mints a random 32-byte id from two uuids.
func newAccountID() market.AccountID {
	var id market.AccountID
	a, b := uuid.New(), uuid.New()
	copy(id[:16], a[:])
	copy(id[16:], b[:])
	return id
}

// CreateMarket formats all buffers of a fresh market and persists them
// with the aggregate in one batch.
func (s *MarketService) CreateMarket(p MarketParams) (*market.Market, error) {
	if p.MaxOrders == 0 {
		p.MaxOrders = orderbook.MaxOrders
	}
	if p.MaxTrades == 0 {
		p.MaxTrades = tradelog.MaxTrades
	}
	if p.MaxAccounts == 0 {
		p.MaxAccounts = settle.MaxAccounts
	}

	mktID := newAccountID()
	booksID := newAccountID()
	tradesID := newAccountID()
	segA := newAccountID()
	segB := newAccountID()

	book, err := orderbook.Create(make([]byte, orderbook.BufferSize(p.MaxOrders)), p.MaxOrders)
	if err != nil {
		return nil, err
	}
	trades, err := tradelog.Create(make([]byte, tradelog.BufferSize(p.MaxTrades)), p.MaxTrades)
	if err != nil {
		return nil, err
	}
	a, err := settle.CreateSegment(segA, make([]byte, settle.BufferSize(p.MaxAccounts)), mktID, market.AccountID{}, p.MaxAccounts)
	if err != nil {
		return nil, err
	}
	b, err := settle.CreateSegment(segB, make([]byte, settle.BufferSize(p.MaxAccounts)), mktID, segA, p.MaxAccounts)
	if err != nil {
		return nil, err
	}
	ah := a.Header()
	ah.Next = segB
	a.SetHeader(ah)

	mkt := &market.Market{
		ID:           mktID,
		Active:       true,
		ExpireEnable: p.ExpireEnable,
		ExpireMin:    p.ExpireMin,
		MinQuantity:  p.MinQuantity,
		TakerFee:     p.TakerFee,
		MktDecimals:  p.MktDecimals,
		Orders:       booksID,
		TradeLog:     tradesID,
		Settle0:      segA,
	}
	st := &market.State{SettleA: segA, SettleB: segB}

	batch := s.store.Batch()
	err = func() error {
		if err := batch.SetMarket(mkt); err != nil {
			return err
		}
		if err := batch.SetState(mktID, st); err != nil {
			return err
		}
		if err := batch.SetBuffer(booksID, book.Bytes()); err != nil {
			return err
		}
		if err := batch.SetBuffer(tradesID, trades.Bytes()); err != nil {
			return err
		}
		if err := batch.SetBuffer(segA, a.Bytes()); err != nil {
			return err
		}
		if err := batch.SetBuffer(segB, b.Bytes()); err != nil {
			return err
		}
		return batch.Commit()
	}()
	if err != nil {
		batch.Discard()
		return nil, err
	}

	s.log.Info("market created",
		zap.String("market", mktID.String()),
		zap.Int("max_orders", p.MaxOrders),
		zap.Int("max_accounts", p.MaxAccounts))
	return mkt, nil
}
