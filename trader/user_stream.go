package trader

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"astergrid/logger"
	"astergrid/metrics"
	"astergrid/trader/types"

	"github.com/gorilla/websocket"
)

// ListenKeyService issues and refreshes user-data stream keys
type ListenKeyService interface {
	StartUserStream(ctx context.Context) (string, error)
	KeepaliveUserStream(ctx context.Context, listenKey string) error
}

// UserStream is the listen-key account event stream. It reconnects on its
// own and pushes every decoded event into the caller's channel.
type UserStream struct {
	keys           ListenKeyService
	wsURL          string
	symbol         string
	keepalive      time.Duration
	reconnectDelay time.Duration
	dialer         *websocket.Dialer
	onReconnect    func(ctx context.Context, out chan<- types.Event)
}

var _ types.EventStream = (*UserStream)(nil)

// NewUserStream creates a stream for symbol on wsURL (e.g. wss://fstream.asterdex.com)
func NewUserStream(keys ListenKeyService, wsURL, symbol string) *UserStream {
	return &UserStream{
		keys:           keys,
		wsURL:          strings.TrimRight(wsURL, "/"),
		symbol:         symbol,
		keepalive:      30 * time.Minute,
		reconnectDelay: 3 * time.Second,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

// OnReconnect registers a hook run after every reconnection, before frames
// are read again. It lets the owner replay state missed while offline.
func (s *UserStream) OnReconnect(fn func(ctx context.Context, out chan<- types.Event)) {
	s.onReconnect = fn
}

// Run blocks until ctx is done
func (s *UserStream) Run(ctx context.Context, out chan<- types.Event) error {
	reconnecting := false
	for {
		err := s.session(ctx, out, reconnecting)
		if ctx.Err() != nil {
			return nil
		}

		logger.Warnf("[Stream] session ended: %v, reconnecting in %s", err, s.reconnectDelay)
		metrics.StreamReconnects.Inc()
		reconnecting = true

		timer := time.NewTimer(s.reconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (s *UserStream) session(ctx context.Context, out chan<- types.Event, reconnecting bool) error {
	key, err := s.keys.StartUserStream(ctx)
	if err != nil {
		return err
	}

	conn, _, err := s.dialer.DialContext(ctx, s.wsURL+"/ws/"+key, nil)
	if err != nil {
		return fmt.Errorf("dial user stream: %w", err)
	}
	logger.Infof("[Stream] user data stream connected")

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Closing the connection is the only way to unblock ReadMessage
	go func() {
		<-sessionCtx.Done()
		conn.Close()
	}()
	go s.keepaliveLoop(sessionCtx, key)

	if reconnecting && s.onReconnect != nil {
		s.onReconnect(sessionCtx, out)
	}

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read user stream: %w", err)
		}

		events, err := DecodeUserEvent(msg, s.symbol)
		if errors.Is(err, ErrListenKeyExpired) {
			return err
		}
		if err != nil {
			logger.Warnf("[Stream] dropping frame: %v", err)
			metrics.Events.WithLabelValues("frame", "invalid").Inc()
			continue
		}

		for _, ev := range events {
			select {
			case out <- ev:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (s *UserStream) keepaliveLoop(ctx context.Context, key string) {
	ticker := time.NewTicker(s.keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.keys.KeepaliveUserStream(ctx, key); err != nil {
				logger.Warnf("[Stream] listen key keepalive failed: %v", err)
			}
		}
	}
}
