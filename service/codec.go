package service

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"

	"tidebook/domain/market"
)

// requestWire is the JSON shape of one request on the order topic.
// Ids are hex; order ids are the 32-hex-digit trie key.
type requestWire struct {
	Op          string `json:"op"`
	Market      string `json:"market"`
	Owner       string `json:"owner"`
	Side        string `json:"side"`
	Quantity    uint64 `json:"quantity"`
	Price       uint64 `json:"price"`
	Post        bool   `json:"post"`
	Fill        bool   `json:"fill"`
	Expires     int64  `json:"expires"`
	MarketOrder bool   `json:"market_order"`
	SettleA     string `json:"settle_a"`
	SettleB     string `json:"settle_b"`
	Rollover    bool   `json:"rollover"`
	OrderID     string `json:"order_id"`
	Segment     string `json:"segment"`
}

// Event is the outbox payload published after a committed invocation.
type Event struct {
	V         int    `json:"v"`
	Type      string `json:"type"`
	Market    string `json:"market"`
	Owner     string `json:"owner"`
	Side      string `json:"side,omitempty"`
	OrderID   string `json:"order_id,omitempty"`
	Received  uint64 `json:"received,omitempty"`
	Sent      uint64 `json:"sent,omitempty"`
	Fee       uint64 `json:"fee,omitempty"`
	Posted    uint64 `json:"posted,omitempty"`
	MktTokens uint64 `json:"mkt_tokens,omitempty"`
	PrcTokens uint64 `json:"prc_tokens,omitempty"`
}

func encodeID(id market.AccountID) string {
	return hex.EncodeToString(id[:])
}

func parseID(s string) (market.AccountID, error) {
	var id market.AccountID
	if s == "" {
		return id, nil
	}
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != len(id) {
		return id, fmt.Errorf("bad account id %q", s)
	}
	copy(id[:], raw)
	return id, nil
}

func encodeOrderID(id market.OrderID) string {
	return fmt.Sprintf("%016x%016x", id.Hi, id.Lo)
}

func parseOrderID(s string) (market.OrderID, error) {
	if len(s) != 32 {
		return market.OrderID{}, fmt.Errorf("bad order id %q", s)
	}
	hi, err := strconv.ParseUint(s[:16], 16, 64)
	if err != nil {
		return market.OrderID{}, err
	}
	lo, err := strconv.ParseUint(s[16:], 16, 64)
	if err != nil {
		return market.OrderID{}, err
	}
	return market.OrderID{Hi: hi, Lo: lo}, nil
}

func parseSide(s string) (market.Side, error) {
	switch s {
	case "bid":
		return market.Bid, nil
	case "ask":
		return market.Ask, nil
	default:
		return 0, fmt.Errorf("bad side %q", s)
	}
}

func orderEvent(req OrderRequest, res *market.TradeResult) []byte {
	b, _ := json.Marshal(Event{
		V:        1,
		Type:     "order",
		Market:   encodeID(req.Market),
		Owner:    encodeID(req.Owner),
		Side:     req.Side.String(),
		OrderID:  encodeOrderID(res.OrderID),
		Received: res.TokensReceived,
		Sent:     res.TokensSent,
		Fee:      res.TokensFee,
		Posted:   res.PostedQuantity,
	})
	return b
}

func cancelEvent(req CancelRequest, res *market.WithdrawResult) []byte {
	b, _ := json.Marshal(Event{
		V:         1,
		Type:      "cancel",
		Market:    encodeID(req.Market),
		Owner:     encodeID(req.Owner),
		Side:      req.Side.String(),
		OrderID:   encodeOrderID(req.OrderID),
		MktTokens: res.MktTokens,
		PrcTokens: res.PrcTokens,
	})
	return b
}

func expireEvent(mktID market.AccountID, side market.Side, orderID market.OrderID) []byte {
	b, _ := json.Marshal(Event{
		V:       1,
		Type:    "expire",
		Market:  encodeID(mktID),
		Side:    side.String(),
		OrderID: encodeOrderID(orderID),
	})
	return b
}

func withdrawEvent(req WithdrawRequest, res *market.WithdrawResult) []byte {
	b, _ := json.Marshal(Event{
		V:         1,
		Type:      "withdraw",
		Market:    encodeID(req.Market),
		Owner:     encodeID(req.Owner),
		MktTokens: res.MktTokens,
		PrcTokens: res.PrcTokens,
	})
	return b
}

// Reply is the per-request outcome published on the results topic.
// Unlike outbox events it also carries rejections, so a submitter
// learns why an order bounced.
type Reply struct {
	Op        string `json:"op"`
	Market    string `json:"market"`
	Owner     string `json:"owner,omitempty"`
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
	OrderID   string `json:"order_id,omitempty"`
	Received  uint64 `json:"received,omitempty"`
	Sent      uint64 `json:"sent,omitempty"`
	Fee       uint64 `json:"fee,omitempty"`
	Posted    uint64 `json:"posted,omitempty"`
	MktTokens uint64 `json:"mkt_tokens,omitempty"`
	PrcTokens uint64 `json:"prc_tokens,omitempty"`
}

func (r Reply) encode(err error) []byte {
	if err != nil {
		r.OK = false
		r.Error = err.Error()
	} else {
		r.OK = true
	}
	b, _ := json.Marshal(r)
	return b
}

// HandleRequest decodes and dispatches one message from the order
// topic. It returns a reply payload for every request it could parse;
// engine rejections land in the reply and are terminal for the
// message, not for the consumer loop.
func (s *MarketService) HandleRequest(data []byte) ([]byte, error) {
	var w requestWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, err
	}
	mktID, err := parseID(w.Market)
	if err != nil {
		return nil, err
	}
	owner, err := parseID(w.Owner)
	if err != nil {
		return nil, err
	}
	reply := Reply{Op: w.Op, Market: w.Market, Owner: w.Owner}

	switch w.Op {
	case "place":
		side, err := parseSide(w.Side)
		if err != nil {
			return nil, err
		}
		settleA, err := parseID(w.SettleA)
		if err != nil {
			return nil, err
		}
		settleB, err := parseID(w.SettleB)
		if err != nil {
			return nil, err
		}
		res, err := s.PlaceOrder(OrderRequest{
			Market:      mktID,
			Owner:       owner,
			Side:        side,
			Quantity:    w.Quantity,
			Price:       w.Price,
			Post:        w.Post,
			Fill:        w.Fill,
			Expires:     w.Expires,
			MarketOrder: w.MarketOrder,
			SettleA:     settleA,
			SettleB:     settleB,
			Rollover:    w.Rollover,
		})
		if err == nil {
			reply.OrderID = encodeOrderID(res.OrderID)
			reply.Received = res.TokensReceived
			reply.Sent = res.TokensSent
			reply.Fee = res.TokensFee
			reply.Posted = res.PostedQuantity
		}
		return reply.encode(err), err
	case "cancel":
		side, err := parseSide(w.Side)
		if err != nil {
			return nil, err
		}
		orderID, err := parseOrderID(w.OrderID)
		if err != nil {
			return nil, err
		}
		res, err := s.CancelOrder(CancelRequest{Market: mktID, Owner: owner, Side: side, OrderID: orderID})
		if err == nil {
			reply.MktTokens = res.MktTokens
			reply.PrcTokens = res.PrcTokens
		}
		return reply.encode(err), err
	case "expire":
		side, err := parseSide(w.Side)
		if err != nil {
			return nil, err
		}
		orderID, err := parseOrderID(w.OrderID)
		if err != nil {
			return nil, err
		}
		err = s.ExpireOrder(mktID, side, orderID)
		return reply.encode(err), err
	case "withdraw":
		segment, err := parseID(w.Segment)
		if err != nil {
			return nil, err
		}
		res, err := s.WithdrawSettled(WithdrawRequest{Market: mktID, Owner: owner, Segment: segment})
		if err == nil {
			reply.MktTokens = res.MktTokens
			reply.PrcTokens = res.PrcTokens
		}
		return reply.encode(err), err
	default:
		return nil, fmt.Errorf("unknown op %q", w.Op)
	}
}
