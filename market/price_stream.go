package market

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"astergrid/logger"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

// MarkPriceStream follows the <symbol>@markPrice stream (one update per second)
type MarkPriceStream struct {
	wsURL          string
	symbol         string
	reconnectDelay time.Duration
	dialer         *websocket.Dialer
}

// NewMarkPriceStream creates a stream for symbol on wsURL
func NewMarkPriceStream(wsURL, symbol string) *MarkPriceStream {
	return &MarkPriceStream{
		wsURL:          strings.TrimRight(wsURL, "/"),
		symbol:         strings.ToLower(symbol),
		reconnectDelay: 5 * time.Second,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

type markPriceFrame struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	MarkPrice string `json:"p"`
	// declared so the index price "P" never folds into "p"
	IndexPrice string `json:"P"`
}

// Run calls onPrice for every mark price until ctx is done
func (s *MarkPriceStream) Run(ctx context.Context, onPrice func(decimal.Decimal)) error {
	for {
		err := s.connect(ctx, onPrice)
		if ctx.Err() != nil {
			return nil
		}
		logger.Warnf("[Stream] mark price stream: %v, reconnecting in %s", err, s.reconnectDelay)

		timer := time.NewTimer(s.reconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (s *MarkPriceStream) connect(ctx context.Context, onPrice func(decimal.Decimal)) error {
	conn, _, err := s.dialer.DialContext(ctx, fmt.Sprintf("%s/ws/%s@markPrice", s.wsURL, s.symbol), nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		var frame markPriceFrame
		if err := json.Unmarshal(msg, &frame); err != nil {
			logger.Debugf("[Stream] bad mark price frame: %v", err)
			continue
		}
		price, err := decimal.NewFromString(frame.MarkPrice)
		if err != nil || !price.IsPositive() {
			continue
		}
		onPrice(price)
	}
}

type pricePoint struct {
	at    time.Time
	price decimal.Decimal
}

// SpikeDetector flags moves larger than a threshold inside a sliding window
type SpikeDetector struct {
	window    time.Duration
	threshold decimal.Decimal // fraction, 0.03 = 3%
	cooldown  time.Duration

	mu        sync.Mutex
	history   []pricePoint
	lastAlert time.Time
}

// NewSpikeDetector uses a 5 minute window, a 3% threshold and a 60s alert cooldown
func NewSpikeDetector() *SpikeDetector {
	return &SpikeDetector{
		window:    5 * time.Minute,
		threshold: decimal.RequireFromString("0.03"),
		cooldown:  time.Minute,
	}
}

// Observe records price at now and returns the fractional change from the
// oldest price in the window when it crosses the threshold
func (d *SpikeDetector) Observe(now time.Time, price decimal.Decimal) (decimal.Decimal, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.history = append(d.history, pricePoint{at: now, price: price})
	cutoff := now.Add(-d.window)
	i := 0
	for i < len(d.history) && d.history[i].at.Before(cutoff) {
		i++
	}
	d.history = d.history[i:]

	if len(d.history) < 2 {
		return decimal.Zero, false
	}
	oldest := d.history[0].price
	if !oldest.IsPositive() {
		return decimal.Zero, false
	}

	change := price.Sub(oldest).Div(oldest)
	if change.Abs().LessThan(d.threshold) {
		return change, false
	}
	if !d.lastAlert.IsZero() && now.Sub(d.lastAlert) < d.cooldown {
		return change, false
	}
	d.lastAlert = now
	return change, true
}
