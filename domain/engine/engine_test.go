package engine

import (
	"testing"

	"tidebook/domain/market"
	"tidebook/domain/orderbook"
	"tidebook/domain/settle"
	"tidebook/domain/tradelog"
)

func acct(b byte) market.AccountID {
	var id market.AccountID
	id[0] = b
	return id
}

func newEnv(t *testing.T, maxOrders, maxAccounts int) *Env {
	t.Helper()
	mktID := acct(0xee)
	segA := acct(0xa1)
	segB := acct(0xa2)

	book, err := orderbook.Create(make([]byte, orderbook.BufferSize(maxOrders)), maxOrders)
	if err != nil {
		t.Fatalf("create book: %v", err)
	}
	a, err := settle.CreateSegment(segA, make([]byte, settle.BufferSize(maxAccounts)), mktID, market.AccountID{}, maxAccounts)
	if err != nil {
		t.Fatalf("create segment a: %v", err)
	}
	b, err := settle.CreateSegment(segB, make([]byte, settle.BufferSize(maxAccounts)), mktID, segA, maxAccounts)
	if err != nil {
		t.Fatalf("create segment b: %v", err)
	}
	trades, err := tradelog.Create(make([]byte, tradelog.BufferSize(16)), 16)
	if err != nil {
		t.Fatalf("create trade log: %v", err)
	}

	mkt := &market.Market{
		ID:           mktID,
		Active:       true,
		ExpireEnable: true,
		MinQuantity:  1,
	}
	st := &market.State{SettleA: segA, SettleB: segB}
	return &Env{
		Market: mkt,
		State:  st,
		Book:   book,
		Settle: settle.Pair{Active: a, Next: b},
		Trades: trades,
		Now:    1000,
	}
}

// checkBalances asserts that each vault holds exactly what the book,
// the settlement chain and the fee bucket together owe.
func checkBalances(t *testing.T, st *market.State) {
	t.Helper()
	if st.MktVaultBalance != st.MktOrderBalance+st.MktLogBalance {
		t.Fatalf("mkt vault %d != order %d + log %d",
			st.MktVaultBalance, st.MktOrderBalance, st.MktLogBalance)
	}
	if st.PrcVaultBalance != st.PrcOrderBalance+st.PrcLogBalance+st.PrcFeesBalance {
		t.Fatalf("prc vault %d != order %d + log %d + fees %d",
			st.PrcVaultBalance, st.PrcOrderBalance, st.PrcLogBalance, st.PrcFeesBalance)
	}
}

func place(t *testing.T, e *Env, owner byte, side market.Side, qty, price uint64) *market.TradeResult {
	t.Helper()
	res, err := PlaceOrder(e, OrderParams{
		Owner: acct(owner), Side: side, Quantity: qty, Price: price, Post: true,
	})
	if err != nil {
		t.Fatalf("place %s %d@%d: %v", side, qty, price, err)
	}
	checkBalances(t, e.State)
	return res
}

func TestPartialFill(t *testing.T) {
	e := newEnv(t, 64, 64)
	place(t, e, 1, market.Ask, 8, 90)

	res, err := PlaceOrder(e, OrderParams{
		Owner: acct(2), Side: market.Bid, Quantity: 5, Price: 100,
	})
	if err != nil {
		t.Fatalf("bid: %v", err)
	}
	if res.TokensReceived != 5 || res.TokensSent != 450 || res.PostedQuantity != 0 {
		t.Fatalf("result = %+v, want received 5 sent 450 posted 0", res)
	}

	rest, ok := e.Book.Map(market.Ask).FindMin()
	if !ok {
		t.Fatal("resting ask gone")
	}
	if got := e.Book.Order(market.Ask, rest.Slot).Amount; got != 3 {
		t.Fatalf("resting ask amount = %d, want 3", got)
	}
	entry, ok := e.Settle.Active.Lookup(acct(1))
	if !ok || entry.PrcBalance != 450 {
		t.Fatalf("maker credit = %+v, %v, want 450 prc", entry, ok)
	}
	if e.State.LastPrice != 90 {
		t.Fatalf("last price = %d, want 90", e.State.LastPrice)
	}

	if e.Trades.Count() != 1 {
		t.Fatalf("trade count = %d, want 1", e.Trades.Count())
	}
	trade := e.Trades.At(1)
	if trade.Kind != tradelog.MatchPartial || trade.Amount != 5 || trade.Price != 90 || trade.MakerFilled {
		t.Fatalf("trade = %+v", trade)
	}
	checkBalances(t, e.State)
}

func fullBidBook(t *testing.T) *Env {
	t.Helper()
	// 3 leaves occupy 5 trie nodes; the side is full
	e := newEnv(t, 5, 64)
	place(t, e, 1, market.Bid, 10, 10)
	place(t, e, 2, market.Bid, 10, 12)
	place(t, e, 3, market.Bid, 10, 15)
	return e
}

func TestEvictionRejectsMarginalPrice(t *testing.T) {
	e := fullBidBook(t)
	// 11 beats the worst bid but would replace it as the worst
	_, err := PlaceOrder(e, OrderParams{
		Owner: acct(4), Side: market.Bid, Quantity: 10, Price: 11, Post: true,
	})
	if err != market.ErrOrderbookFull {
		t.Fatalf("bid 11 err = %v, want ErrOrderbookFull", err)
	}
}

func TestEvictionReplacesWorstOrder(t *testing.T) {
	e := fullBidBook(t)
	res := place(t, e, 4, market.Bid, 10, 13)
	if res.PostedQuantity != 10 {
		t.Fatalf("posted = %d, want 10", res.PostedQuantity)
	}

	worst, ok := e.Book.Map(market.Bid).FindMin()
	if !ok || orderbook.KeyPrice(worst.Key) != 12 {
		t.Fatalf("worst bid = %d, want 12", orderbook.KeyPrice(worst.Key))
	}
	// the evicted owner is made whole through the ledger
	entry, ok := e.Settle.Active.Lookup(acct(1))
	if !ok || entry.PrcBalance != 100 {
		t.Fatalf("evicted credit = %+v, %v, want 100 prc", entry, ok)
	}
	if e.State.ActiveBid != 3 {
		t.Fatalf("active bids = %d, want 3", e.State.ActiveBid)
	}
}

func TestFillRequired(t *testing.T) {
	e := newEnv(t, 64, 64)
	place(t, e, 1, market.Ask, 3, 90)

	_, err := PlaceOrder(e, OrderParams{
		Owner: acct(2), Side: market.Bid, Quantity: 5, Price: 90, Fill: true,
	})
	if err != market.ErrOrderNotFilled {
		t.Fatalf("err = %v, want ErrOrderNotFilled", err)
	}

	_, err = PlaceOrder(e, OrderParams{
		Owner: acct(2), Side: market.Bid, Quantity: 5, Price: 90, Fill: true, Post: true,
	})
	if err != market.ErrInvalidParameters {
		t.Fatalf("post+fill err = %v, want ErrInvalidParameters", err)
	}
}

func TestSelfTradeSkipped(t *testing.T) {
	e := newEnv(t, 64, 64)
	place(t, e, 1, market.Ask, 10, 90)

	res, err := PlaceOrder(e, OrderParams{
		Owner: acct(1), Side: market.Bid, Quantity: 5, Price: 100,
	})
	if err != nil {
		t.Fatalf("bid: %v", err)
	}
	if res.TokensReceived != 0 || res.TokensSent != 0 {
		t.Fatalf("result = %+v, want no fill", res)
	}
	rest, _ := e.Book.Map(market.Ask).FindMin()
	if got := e.Book.Order(market.Ask, rest.Slot).Amount; got != 10 {
		t.Fatalf("own ask amount = %d, want untouched 10", got)
	}
	checkBalances(t, e.State)
}

func TestExpiredOrderReapedDuringMatch(t *testing.T) {
	e := newEnv(t, 64, 64)
	res, err := PlaceOrder(e, OrderParams{
		Owner: acct(1), Side: market.Ask, Quantity: 10, Price: 90, Post: true,
		Expires: e.Now + 5,
	})
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	if res.PostedQuantity != 10 {
		t.Fatalf("posted = %d", res.PostedQuantity)
	}
	e.Now += 10

	bid, err := PlaceOrder(e, OrderParams{
		Owner: acct(2), Side: market.Bid, Quantity: 5, Price: 90,
	})
	if err != nil {
		t.Fatalf("bid: %v", err)
	}
	if bid.TokensReceived != 0 {
		t.Fatal("expired ask must not fill")
	}
	if _, ok := e.Book.Map(market.Ask).FindMin(); ok {
		t.Fatal("expired ask still resting")
	}
	entry, ok := e.Settle.Active.Lookup(acct(1))
	if !ok || entry.MktBalance != 10 {
		t.Fatalf("expiry credit = %+v, %v, want 10 mkt", entry, ok)
	}
	if e.State.ActiveAsk != 0 {
		t.Fatalf("active asks = %d, want 0", e.State.ActiveAsk)
	}
	checkBalances(t, e.State)

	w, err := WithdrawSettled(e.State, e.Market, e.Settle.Active, nil, nil, acct(1))
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if w.MktTokens != 10 || w.PrcTokens != 0 {
		t.Fatalf("withdraw = %+v", w)
	}
	checkBalances(t, e.State)
}

func TestExpirationCapBoundsReaping(t *testing.T) {
	e := newEnv(t, 64, 64)
	const surplus = 4
	for i := 0; i < MaxExpirations+surplus; i++ {
		if _, err := PlaceOrder(e, OrderParams{
			Owner: acct(1), Side: market.Ask, Quantity: 1, Price: 90, Post: true,
			Expires: e.Now + 5,
		}); err != nil {
			t.Fatalf("ask %d: %v", i, err)
		}
	}
	e.Now += 10

	// one invocation scans past every expired ask but reaps at most
	// MaxExpirations of them
	bid, err := PlaceOrder(e, OrderParams{
		Owner: acct(2), Side: market.Bid, Quantity: 5, Price: 90,
	})
	if err != nil {
		t.Fatalf("bid: %v", err)
	}
	if bid.TokensReceived != 0 {
		t.Fatal("expired asks must not fill")
	}
	if e.State.ActiveAsk != surplus {
		t.Fatalf("active asks = %d, want %d", e.State.ActiveAsk, surplus)
	}
	entry, ok := e.Settle.Active.Lookup(acct(1))
	if !ok || entry.MktBalance != MaxExpirations {
		t.Fatalf("reaped credit = %+v, %v, want %d mkt", entry, ok, MaxExpirations)
	}
	checkBalances(t, e.State)

	// the surplus drains on the next invocation
	if _, err := PlaceOrder(e, OrderParams{
		Owner: acct(2), Side: market.Bid, Quantity: 5, Price: 90,
	}); err != nil {
		t.Fatalf("second bid: %v", err)
	}
	if e.State.ActiveAsk != 0 {
		t.Fatalf("active asks = %d, want 0", e.State.ActiveAsk)
	}
	entry, _ = e.Settle.Active.Lookup(acct(1))
	if entry.MktBalance != MaxExpirations+surplus {
		t.Fatalf("credit = %d mkt, want %d", entry.MktBalance, MaxExpirations+surplus)
	}
	checkBalances(t, e.State)
}

func TestExpireOrderByID(t *testing.T) {
	e := newEnv(t, 64, 64)
	res, err := PlaceOrder(e, OrderParams{
		Owner: acct(1), Side: market.Ask, Quantity: 7, Price: 90, Post: true,
		Expires: e.Now + 5,
	})
	if err != nil {
		t.Fatalf("ask: %v", err)
	}

	if err := ExpireOrder(e, market.Ask, res.OrderID); err != market.ErrInvalidParameters {
		t.Fatalf("early expire err = %v, want ErrInvalidParameters", err)
	}
	e.Now += 10
	if err := ExpireOrder(e, market.Ask, res.OrderID); err != nil {
		t.Fatalf("expire: %v", err)
	}
	if err := ExpireOrder(e, market.Ask, res.OrderID); err != market.ErrOrderNotFound {
		t.Fatalf("second expire err = %v, want ErrOrderNotFound", err)
	}
	entry, ok := e.Settle.Active.Lookup(acct(1))
	if !ok || entry.MktBalance != 7 {
		t.Fatalf("credit = %+v, %v, want 7 mkt", entry, ok)
	}
	checkBalances(t, e.State)
}

func TestCancelOrder(t *testing.T) {
	e := newEnv(t, 64, 64)
	res := place(t, e, 1, market.Bid, 10, 12)

	if _, err := CancelOrder(e, acct(2), market.Bid, res.OrderID); err != market.ErrAccessDenied {
		t.Fatalf("foreign cancel err = %v, want ErrAccessDenied", err)
	}
	w, err := CancelOrder(e, acct(1), market.Bid, res.OrderID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if w.PrcTokens != 120 || w.MktTokens != 0 {
		t.Fatalf("cancel = %+v, want 120 prc", w)
	}
	if e.State.PrcVaultBalance != 0 || e.State.ActiveBid != 0 {
		t.Fatalf("state after cancel = %+v", e.State)
	}
	if _, err := CancelOrder(e, acct(1), market.Bid, res.OrderID); err != market.ErrOrderNotFound {
		t.Fatalf("second cancel err = %v, want ErrOrderNotFound", err)
	}
	checkBalances(t, e.State)
}

func TestStaleSettleWindow(t *testing.T) {
	e := newEnv(t, 64, 64)
	e.State.SettleA = acct(0x99)
	_, err := PlaceOrder(e, OrderParams{
		Owner: acct(1), Side: market.Bid, Quantity: 1, Price: 1, Post: true,
	})
	if err != market.ErrRetrySettlement {
		t.Fatalf("err = %v, want ErrRetrySettlement", err)
	}
}

func TestValidation(t *testing.T) {
	e := newEnv(t, 64, 64)
	e.Market.MinQuantity = 5
	e.Market.ExpireMin = 60

	if _, err := PlaceOrder(e, OrderParams{Owner: acct(1), Side: market.Bid, Quantity: 0, Price: 1}); err != market.ErrInvalidParameters {
		t.Fatalf("zero qty err = %v", err)
	}
	if _, err := PlaceOrder(e, OrderParams{Owner: acct(1), Side: market.Bid, Quantity: 5, Price: 0}); err != market.ErrInvalidParameters {
		t.Fatalf("zero price err = %v", err)
	}
	if _, err := PlaceOrder(e, OrderParams{Owner: acct(1), Side: market.Bid, Quantity: 4, Price: 1}); err != market.ErrQuantityBelowMin {
		t.Fatalf("min qty err = %v", err)
	}
	if _, err := PlaceOrder(e, OrderParams{Owner: acct(1), Side: market.Bid, Quantity: 5, Price: 1, Expires: e.Now + 5}); err != market.ErrInvalidParameters {
		t.Fatalf("short expiry err = %v", err)
	}

	e.Market.Active = false
	if _, err := PlaceOrder(e, OrderParams{Owner: acct(1), Side: market.Bid, Quantity: 5, Price: 1}); err != market.ErrMarketClosed {
		t.Fatalf("closed err = %v", err)
	}
}

func TestConservationAcrossSequence(t *testing.T) {
	e := newEnv(t, 64, 64)
	e.Market.TakerFee = 50_000 // 0.5%

	place(t, e, 1, market.Ask, 8, 90)
	res, err := PlaceOrder(e, OrderParams{
		Owner: acct(2), Side: market.Bid, Quantity: 5, Price: 100,
	})
	if err != nil {
		t.Fatalf("bid: %v", err)
	}
	checkBalances(t, e.State)
	if res.TokensReceived != 5 || res.TokensFee != 2 {
		t.Fatalf("result = %+v, want received 5 fee 2", res)
	}

	place(t, e, 3, market.Ask, 10, 95)
	big, err := PlaceOrder(e, OrderParams{
		Owner: acct(2), Side: market.Bid, Quantity: 20, Price: 96, Post: true,
	})
	if err != nil {
		t.Fatalf("big bid: %v", err)
	}
	checkBalances(t, e.State)
	// 3@90 left over plus 10@95, remainder posts
	if big.TokensReceived != 13 || big.PostedQuantity != 7 {
		t.Fatalf("big result = %+v, want received 13 posted 7", big)
	}

	if _, err := WithdrawSettled(e.State, e.Market, e.Settle.Active, nil, nil, acct(1)); err != nil {
		t.Fatalf("withdraw 1: %v", err)
	}
	checkBalances(t, e.State)
	if _, err := WithdrawSettled(e.State, e.Market, e.Settle.Active, nil, nil, acct(3)); err != nil {
		t.Fatalf("withdraw 3: %v", err)
	}
	checkBalances(t, e.State)

	if _, err := CancelOrder(e, acct(2), market.Bid, big.OrderID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	checkBalances(t, e.State)

	st := e.State
	if st.MktVaultBalance != 0 || st.PrcOrderBalance != 0 || st.PrcLogBalance != 0 {
		t.Fatalf("residual state = %+v", st)
	}
	if st.PrcVaultBalance != st.PrcFeesBalance {
		t.Fatalf("vault %d != fees %d after drain", st.PrcVaultBalance, st.PrcFeesBalance)
	}
}

func TestWithdrawWrongMarket(t *testing.T) {
	e := newEnv(t, 64, 64)
	other, err := settle.CreateSegment(acct(0x77), make([]byte, settle.BufferSize(8)), acct(0x88), market.AccountID{}, 8)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := WithdrawSettled(e.State, e.Market, other, nil, nil, acct(1)); err != market.ErrInvalidAccount {
		t.Fatalf("err = %v, want ErrInvalidAccount", err)
	}
}
