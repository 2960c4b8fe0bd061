package tegro

import (
	"context"
	"strings"
)

const streamUser = "user"

// UserStreamDataSource forwards raw wallet-channel frames without interpreting them.
type UserStreamDataSource struct {
	conn   *streamConn
	events chan []byte
}

func newUserStreamDataSource(opts Options, auth *Authenticator, metrics *exchangeMetrics) *UserStreamDataSource {
	u := &UserStreamDataSource{
		events: make(chan []byte, defaultStreamBuffer),
	}
	channel := strings.ToLower(opts.wallet())
	channels := func(context.Context) ([]string, error) {
		return []string{channel}, nil
	}
	u.conn = newStreamConn(streamUser, opts.websocketURL(), channels, u.forward, auth, opts.Logger, metrics)
	return u
}

// Run keeps the user stream connected until ctx ends.
func (u *UserStreamDataSource) Run(ctx context.Context) error {
	return u.conn.run(ctx)
}

// State reports the user stream connection state.
func (u *UserStreamDataSource) State() ConnectionState { return u.conn.State() }

// Events carries every frame received on the wallet channel.
func (u *UserStreamDataSource) Events() <-chan []byte { return u.events }

func (u *UserStreamDataSource) forward(ctx context.Context, frame []byte) error {
	buf := make([]byte, len(frame))
	copy(buf, frame)
	return send(ctx, u.events, buf)
}
