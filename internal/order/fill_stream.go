package order

import (
	"context"
	"encoding/json"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"signalrelay/internal/events"
)

// FillEvent is what the websocket transport publishes per order update it
// observes on a venue's user-data stream; it carries the same identifying
// fields C9's REST-polling path resolves executions against, so either
// transport can drive a close without double-closing (§8 invariant 2,
// Open Question 3).
type FillEvent struct {
	ExchangeAccountID string
	Symbol            string
	ExchangeOrderID   string
	Status            string
	Qty               float64
	Price             float64
	Time              time.Time
}

// ListenKeySource is satisfied by a venue adapter exposing Binance-style
// user-data-stream listen keys (venueb today).
type ListenKeySource interface {
	CreateListenKey(ctx context.Context) (string, error)
	KeepAliveListenKey(ctx context.Context, listenKey string) error
}

// FillStream runs a websocket reader against one account's user-data
// stream, translating venue-specific wire messages into FillEvents via a
// supplied parser. One instance covers one ExchangeAccount. Grounded on the
// teacher's user_stream_futures.go/user_stream_spot.go dial+keepalive+read
// loop, generalized away from a single hardcoded venue.
type FillStream struct {
	ExchangeAccountID string
	Source            ListenKeySource
	WSURL             func(listenKey string) string
	Parse             func(msg []byte) (*FillEvent, bool)
	Bus               *events.Bus

	mu       sync.Mutex
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewFillStream builds a stream for one account. parse translates one raw
// websocket message into a FillEvent, returning ok=false for messages that
// are not order-fill updates.
func NewFillStream(accountID string, source ListenKeySource, wsURL func(string) string, parse func([]byte) (*FillEvent, bool), bus *events.Bus) *FillStream {
	return &FillStream{
		ExchangeAccountID: accountID,
		Source:            source,
		WSURL:             wsURL,
		Parse:             parse,
		Bus:               bus,
		stopCh:            make(chan struct{}),
	}
}

// Start dials the stream and reads until ctx is done or Stop is called. It
// returns the listen-key or dial error rather than retrying; callers that want
// reconnect-on-drop should call Start again from a supervising loop.
func (s *FillStream) Start(ctx context.Context) error {
	listenKey, err := s.Source.CreateListenKey(ctx)
	if err != nil {
		return err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.WSURL(listenKey), nil)
	if err != nil {
		return err
	}
	log.Printf("order: fill stream started for account %s", s.ExchangeAccountID)

	go func() {
		ticker := time.NewTicker(30 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				if err := s.Source.KeepAliveListenKey(ctx, listenKey); err != nil {
					log.Printf("order: fill stream keepalive error for %s: %v", s.ExchangeAccountID, err)
				}
			}
		}
	}()

	go func() {
		defer conn.Close()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				log.Printf("order: fill stream read error for %s: %v", s.ExchangeAccountID, err)
				return
			}
			s.handle(msg)
		}
	}()

	return nil
}

func (s *FillStream) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *FillStream) handle(msg []byte) {
	ev, ok := s.Parse(msg)
	if !ok || ev == nil {
		return
	}
	ev.ExchangeAccountID = s.ExchangeAccountID
	if s.Bus != nil {
		s.Bus.Publish(events.EventProtectiveLegFilled, *ev)
	}
}

// ParseFuturesOrderUpdate decodes a Binance-futures-style ORDER_TRADE_UPDATE
// message into a FillEvent. Grounded on the teacher's
// user_stream_futures.go handleOrderTradeUpdate wire shape; suitable as the
// Parse func for venueb.
func ParseFuturesOrderUpdate(msg []byte) (*FillEvent, bool) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(msg, &raw); err != nil {
		return nil, false
	}
	var eventType string
	if v, ok := raw["e"]; ok {
		if err := json.Unmarshal(v, &eventType); err != nil {
			return nil, false
		}
	} else {
		return nil, false
	}
	if eventType != "ORDER_TRADE_UPDATE" {
		return nil, false
	}

	var wrap struct {
		Data struct {
			Symbol        string `json:"s"`
			Status        string `json:"X"`
			ExecutionType string `json:"x"`
			OrderID       int64  `json:"i"`
			AvgPrice      string `json:"ap"`
			LastPrice     string `json:"L"`
			CumQty        string `json:"z"`
			CumQuote      string `json:"Z"`
		} `json:"o"`
	}
	if err := json.Unmarshal(msg, &wrap); err != nil {
		return nil, false
	}
	if strings.ToUpper(wrap.Data.ExecutionType) != "TRADE" {
		return nil, false
	}

	cumQty := parseFloat(wrap.Data.CumQty)
	cumQuote := parseFloat(wrap.Data.CumQuote)
	price := parseFloat(wrap.Data.LastPrice)
	if price == 0 && cumQty > 0 {
		price = cumQuote / cumQty
	}

	return &FillEvent{
		Symbol:          wrap.Data.Symbol,
		ExchangeOrderID: strconv.FormatInt(wrap.Data.OrderID, 10),
		Status:          strings.ToUpper(wrap.Data.Status),
		Qty:             cumQty,
		Price:           price,
		Time:            time.Now(),
	}, true
}

func parseFloat(v string) float64 {
	f, _ := strconv.ParseFloat(v, 64)
	return f
}
