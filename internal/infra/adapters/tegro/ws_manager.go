package tegro

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	"github.com/goccy/go-json"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/tegrolink/internal/observability"
)

const (
	wsPingInterval       = 30 * time.Second
	wsPingTimeout        = 5 * time.Second
	wsWriteTimeout       = 5 * time.Second
	wsMaxReconnectWait   = 30 * time.Second
	wsReadLimit          = 2 * 1024 * 1024
	wsInitialReconnectIn = 500 * time.Millisecond
)

// ConnectionState is the lifecycle stage of a stream connection.
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateSubscribed
	StateReconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// streamConn keeps one WebSocket session alive and re-subscribes after every reconnect.
type streamConn struct {
	name     string
	url      string
	channels func(ctx context.Context) ([]string, error)
	handler  func(ctx context.Context, frame []byte) error
	auth     *Authenticator
	logger   observability.Logger
	metrics  *exchangeMetrics

	state     atomic.Int32
	ready     chan struct{}
	readyOnce sync.Once
}

func newStreamConn(name, url string, channels func(context.Context) ([]string, error), handler func(context.Context, []byte) error, auth *Authenticator, logger observability.Logger, metrics *exchangeMetrics) *streamConn {
	return &streamConn{
		name:     name,
		url:      url,
		channels: channels,
		handler:  handler,
		auth:     auth,
		logger:   observability.OrNop(logger),
		metrics:  metrics,
		ready:    make(chan struct{}),
	}
}

// State reports the current connection state.
func (s *streamConn) State() ConnectionState {
	return ConnectionState(s.state.Load())
}

// Ready is closed after the first successful subscription.
func (s *streamConn) Ready() <-chan struct{} {
	return s.ready
}

func (s *streamConn) setState(ctx context.Context, state ConnectionState) {
	if ConnectionState(s.state.Swap(int32(state))) == state {
		return
	}
	s.metrics.recordState(ctx, s.name, state)
	s.logger.Debug("tegro: stream state changed",
		observability.F("stream", s.name), observability.F("state", state.String()))
}

// run dials, subscribes and reads until ctx ends. It always returns ctx's error.
func (s *streamConn) run(ctx context.Context) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = wsInitialReconnectIn
	policy.MaxInterval = wsMaxReconnectWait

	s.setState(ctx, StateConnecting)
	for {
		subscribed, err := s.session(ctx)
		if ctxErr := ctx.Err(); ctxErr != nil {
			s.setState(context.Background(), StateDisconnected)
			return ctxErr
		}
		if subscribed {
			policy.Reset()
		}
		if err != nil {
			s.logger.Warn("tegro: stream session ended",
				observability.F("stream", s.name), observability.Err(err))
		}
		s.setState(ctx, StateReconnecting)

		sleep := policy.NextBackOff()
		if sleep == backoff.Stop {
			sleep = wsMaxReconnectWait
		}
		select {
		case <-ctx.Done():
			s.setState(context.Background(), StateDisconnected)
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
}

func (s *streamConn) session(ctx context.Context) (bool, error) {
	channels, err := s.channels(ctx)
	if err != nil {
		return false, fmt.Errorf("resolve channels: %w", err)
	}

	conn, _, err := websocket.Dial(ctx, s.url, nil)
	if err != nil {
		s.metrics.recordReconnect(ctx, s.name, "error")
		return false, fmt.Errorf("dial %s: %w", s.url, err)
	}
	s.metrics.recordReconnect(ctx, s.name, "success")
	defer func() {
		_ = conn.CloseNow()
	}()
	conn.SetReadLimit(wsReadLimit)

	for _, channel := range channels {
		if err := s.subscribe(ctx, conn, channel); err != nil {
			return false, err
		}
	}
	s.setState(ctx, StateSubscribed)
	s.readyOnce.Do(func() { close(s.ready) })
	s.logger.Info("tegro: stream subscribed",
		observability.F("stream", s.name), observability.F("channels", len(channels)))

	connCtx, cancel := context.WithCancel(ctx)
	errCh := make(chan error, 2)
	var wg conc.WaitGroup
	wg.Go(func() { errCh <- s.readLoop(connCtx, conn) })
	wg.Go(func() { errCh <- s.pingLoop(connCtx, conn) })

	first := <-errCh
	cancel()
	_ = conn.Close(websocket.StatusNormalClosure, "")
	wg.Wait()

	if errors.Is(first, context.Canceled) {
		return true, nil
	}
	return true, first
}

func (s *streamConn) subscribe(ctx context.Context, conn *websocket.Conn, channel string) error {
	payload, err := json.Marshal(subscribeMessage{Action: "subscribe", ChannelID: channel})
	if err != nil {
		return fmt.Errorf("encode subscribe: %w", err)
	}
	if s.auth != nil {
		payload = s.auth.DecorateWS(payload)
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, payload); err != nil {
		return fmt.Errorf("subscribe %s: %w", channel, err)
	}
	return nil
}

func (s *streamConn) pingLoop(ctx context.Context, conn *websocket.Conn) error {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return context.Canceled
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, wsPingTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
					return context.Canceled
				}
				if status := websocket.CloseStatus(err); status != -1 {
					return fmt.Errorf("ping: remote closed with status %d", status)
				}
				return fmt.Errorf("ping: %w", err)
			}
		}
	}
}

func (s *streamConn) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return context.Canceled
			}
			if status := websocket.CloseStatus(err); status != -1 {
				if status == websocket.StatusNormalClosure {
					return fmt.Errorf("read: remote closed normally")
				}
				return fmt.Errorf("read: remote closed with status %d", status)
			}
			return fmt.Errorf("read: %w", err)
		}
		if msgType != websocket.MessageText {
			continue
		}
		if err := s.handler(ctx, data); err != nil {
			if ctx.Err() != nil {
				return context.Canceled
			}
			s.logger.Warn("tegro: failed to handle stream frame",
				observability.F("stream", s.name), observability.Err(err))
		}
	}
}
