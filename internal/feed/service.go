package feed

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Public stream endpoints.
const (
	binanceWSURL = "wss://stream.binance.com:9443/ws"
	bybitWSURL   = "wss://stream.bybit.com/v5/public/spot"

	dialTimeout    = 10 * time.Second
	redialDelay    = 5 * time.Second
	bybitPingEvery = 20 * time.Second
)

// Service streams mini tickers for every watched symbol into a Cache. One
// connection per exchange; streams start lazily on the first Watch and
// re-subscribe everything after a reconnect.
type Service struct {
	cache *Cache

	mu      sync.Mutex
	watched map[string]map[string]struct{} // exchange → symbol set
	resub   map[string]chan struct{}       // exchange → resubscribe nudge
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func NewService(cache *Cache) *Service {
	return &Service{
		cache:   cache,
		watched: make(map[string]map[string]struct{}),
		resub:   make(map[string]chan struct{}),
		stopCh:  make(chan struct{}),
	}
}

// Cache returns the shared price cache.
func (s *Service) Cache() *Cache { return s.cache }

// Start enables streaming. Streams spawn as symbols get watched.
func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	for exchange := range s.watched {
		s.spawnLocked(exchange)
	}
	log.Info().Msg("📡 Price feed started")
}

// Stop tears every stream down.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	log.Info().Msg("Price feed stopped")
}

// Watch subscribes a symbol on an exchange. Safe to call repeatedly.
func (s *Service) Watch(exchange, symbol string) {
	exchange = strings.ToLower(exchange)
	symbol = strings.ToUpper(symbol)

	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.watched[exchange]
	if !ok {
		set = make(map[string]struct{})
		s.watched[exchange] = set
	}
	if _, dup := set[symbol]; dup {
		return
	}
	set[symbol] = struct{}{}

	if !s.running {
		return
	}
	if _, live := s.resub[exchange]; !live {
		s.spawnLocked(exchange)
		return
	}
	select {
	case s.resub[exchange] <- struct{}{}:
	default:
	}
}

// Watched lists the symbols currently streamed for an exchange.
func (s *Service) Watched(exchange string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	symbols := make([]string, 0, len(s.watched[exchange]))
	for sym := range s.watched[exchange] {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)
	return symbols
}

// spawnLocked starts the reader loop for one exchange. Caller holds s.mu.
func (s *Service) spawnLocked(exchange string) {
	if len(s.watched[exchange]) == 0 {
		return
	}
	nudge := make(chan struct{}, 1)
	s.resub[exchange] = nudge

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		switch exchange {
		case "binance":
			s.runStream(exchange, binanceWSURL, s.subscribeBinance, s.handleBinance, 0, nudge)
		case "bybit":
			s.runStream(exchange, bybitWSURL, s.subscribeBybit, s.handleBybit, bybitPingEvery, nudge)
		default:
			log.Error().Str("exchange", exchange).Msg("No price stream for exchange")
		}
	}()
}

// runStream is the shared dial/subscribe/read/redial loop.
func (s *Service) runStream(
	exchange, url string,
	subscribe func(*wsConn, []string) error,
	handle func([]byte),
	pingEvery time.Duration,
	nudge chan struct{},
) {
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		conn, err := dial(url)
		if err != nil {
			log.Error().Err(err).Str("exchange", exchange).Msg("Price stream dial failed")
			if !s.sleep(redialDelay) {
				return
			}
			continue
		}
		log.Info().Str("exchange", exchange).Str("url", url).Msg("🔌 Price stream connected")

		if err := subscribe(conn, s.Watched(exchange)); err != nil {
			log.Error().Err(err).Str("exchange", exchange).Msg("Price stream subscribe failed")
			conn.close()
			if !s.sleep(redialDelay) {
				return
			}
			continue
		}

		done := make(chan struct{})
		go s.serviceStream(conn, exchange, subscribe, pingEvery, nudge, done)

		for {
			_, message, err := conn.read()
			if err != nil {
				break
			}
			handle(message)
		}
		close(done)
		conn.close()

		select {
		case <-s.stopCh:
			return
		default:
			log.Warn().Str("exchange", exchange).Msg("Price stream disconnected, reconnecting...")
			if !s.sleep(time.Second) {
				return
			}
		}
	}
}

// serviceStream pushes pings and late subscriptions while the reader runs.
func (s *Service) serviceStream(
	conn *wsConn,
	exchange string,
	subscribe func(*wsConn, []string) error,
	pingEvery time.Duration,
	nudge chan struct{},
	done chan struct{},
) {
	var ping <-chan time.Time
	if pingEvery > 0 {
		t := time.NewTicker(pingEvery)
		defer t.Stop()
		ping = t.C
	}
	for {
		select {
		case <-done:
			return
		case <-s.stopCh:
			conn.close()
			return
		case <-nudge:
			if err := subscribe(conn, s.Watched(exchange)); err != nil {
				log.Warn().Err(err).Str("exchange", exchange).Msg("Re-subscribe failed")
			}
		case <-ping:
			_ = conn.writeJSON(map[string]string{"op": "ping"})
		}
	}
}

func (s *Service) sleep(d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-s.stopCh:
		return false
	}
}

// Binance: SUBSCRIBE method on the raw /ws endpoint, miniTicker events.

func (s *Service) subscribeBinance(conn *wsConn, symbols []string) error {
	if len(symbols) == 0 {
		return nil
	}
	params := make([]string, len(symbols))
	for i, sym := range symbols {
		params[i] = strings.ToLower(sym) + "@miniTicker"
	}
	return conn.writeJSON(map[string]interface{}{
		"method": "SUBSCRIBE",
		"params": params,
		"id":     time.Now().UnixNano() % 1_000_000,
	})
}

func (s *Service) handleBinance(message []byte) {
	var ev struct {
		Event  string `json:"e"`
		Symbol string `json:"s"`
		Close  string `json:"c"`
	}
	if err := json.Unmarshal(message, &ev); err != nil || ev.Event != "24hrMiniTicker" {
		return
	}
	price, err := decimal.NewFromString(ev.Close)
	if err != nil {
		return
	}
	s.cache.Store("binance", ev.Symbol, price)
}

// Bybit: v5 public spot tickers topic, snapshot + delta frames.

func (s *Service) subscribeBybit(conn *wsConn, symbols []string) error {
	if len(symbols) == 0 {
		return nil
	}
	args := make([]string, len(symbols))
	for i, sym := range symbols {
		args[i] = "tickers." + sym
	}
	return conn.writeJSON(map[string]interface{}{"op": "subscribe", "args": args})
}

func (s *Service) handleBybit(message []byte) {
	var ev struct {
		Topic string `json:"topic"`
		Data  struct {
			Symbol    string `json:"symbol"`
			LastPrice string `json:"lastPrice"`
		} `json:"data"`
	}
	if err := json.Unmarshal(message, &ev); err != nil {
		return
	}
	if !strings.HasPrefix(ev.Topic, "tickers.") || ev.Data.LastPrice == "" {
		return
	}
	price, err := decimal.NewFromString(ev.Data.LastPrice)
	if err != nil {
		return
	}
	s.cache.Store("bybit", ev.Data.Symbol, price)
}

// wsConn serializes writes; gorilla allows one concurrent writer only.
type wsConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func dial(url string) (*wsConn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial %s: %w", url, err)
	}
	return &wsConn{conn: conn}, nil
}

func (w *wsConn) read() (int, []byte, error) {
	return w.conn.ReadMessage()
}

func (w *wsConn) writeJSON(v interface{}) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return w.conn.WriteJSON(v)
}

func (w *wsConn) close() {
	_ = w.conn.Close()
}
