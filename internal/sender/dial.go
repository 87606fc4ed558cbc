package sender

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/fileferry/ferry/internal/channel"
	"github.com/gorilla/websocket"
)

const (
	// handshakeTimeout is how long we wait for the websocket handshake
	handshakeTimeout = 5 * time.Second

	defaultDialAttempts = 4
	initialDialDelay    = 500 * time.Millisecond
)

// ErrUnauthorized is returned when the receiver rejects the upload token.
var ErrUnauthorized = errors.New("receiver rejected the upload token")

// DialOptions configure Dial.
type DialOptions struct {
	// Token is sent as a bearer token when set
	Token string
	// Attempts bounds connection attempts, with exponential backoff between them
	Attempts uint
}

// Dial connects to a receiver's websocket endpoint and returns a Sender on it.
// Transient failures are retried; an auth rejection is not.
func Dial(ctx context.Context, url string, opts DialOptions) (*Sender, error) {
	if opts.Attempts == 0 {
		opts.Attempts = defaultDialAttempts
	}

	header := http.Header{}
	if opts.Token != "" {
		header.Set("Authorization", "Bearer "+opts.Token)
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
	}

	var conn *websocket.Conn
	err := retry.Do(
		func() error {
			c, resp, err := dialer.DialContext(ctx, url, header)
			if resp != nil && resp.Body != nil {
				_ = resp.Body.Close()
			}
			if err != nil {
				if ctx.Err() != nil {
					return retry.Unrecoverable(ctx.Err())
				}
				if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
					return retry.Unrecoverable(ErrUnauthorized)
				}
				return err
			}
			conn = c
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(opts.Attempts),
		retry.Delay(initialDialDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			slog.Warn("Receiver connection failed, retrying", "attempt", n+1, "url", url, "error", err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", url, err)
	}

	return New(channel.NewWebsocket(conn)), nil
}
