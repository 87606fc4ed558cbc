// Package notify publishes upload lifecycle events to NATS.
package notify

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/fileferry/ferry/internal/upload"
	"github.com/nats-io/nats.go"
)

// publisher is the part of *nats.Conn the Publisher needs.
type publisher interface {
	Publish(subject string, data []byte) error
}

// Event is the JSON body published for each notification.
type Event struct {
	Kind         string         `json:"kind"`
	SessionID    string         `json:"sessionId"`
	Name         string         `json:"name"`
	Path         string         `json:"path,omitempty"`
	Size         int64          `json:"size"`
	BytesWritten int64          `json:"bytesWritten"`
	Mime         string         `json:"mime,omitempty"`
	ElapsedMs    int64          `json:"elapsedMs,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Error        string         `json:"error,omitempty"`
	ErrorKind    string         `json:"errorKind,omitempty"`
	Time         time.Time      `json:"time"`
}

// published lists the notification kinds worth a message. Progress is far too chatty.
var published = map[upload.NotificationKind]bool{
	upload.NotifyStart:    true,
	upload.NotifyResume:   true,
	upload.NotifyComplete: true,
	upload.NotifyAbort:    true,
	upload.NotifyError:    true,
}

// Publisher forwards upload notifications to <prefix>.<kind> subjects.
type Publisher struct {
	pub    publisher
	prefix string
	conn   *nats.Conn
	now    func() time.Time
}

var _ upload.Notifier = (*Publisher)(nil)

// Connect dials NATS and returns a Publisher that owns the connection.
func Connect(url, prefix string) (*Publisher, error) {
	opts := []nats.Option{
		nats.Name("ferry"),
		nats.ReconnectWait(2 * time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	p := newPublisher(conn, prefix)
	p.conn = conn
	return p, nil
}

func newPublisher(pub publisher, prefix string) *Publisher {
	return &Publisher{pub: pub, prefix: prefix, now: time.Now}
}

// Subject returns the subject a notification kind is published on.
func (p *Publisher) Subject(kind upload.NotificationKind) string {
	return p.prefix + "." + string(kind)
}

// Notify publishes n. Failures are logged; the upload itself never waits on NATS.
func (p *Publisher) Notify(n upload.Notification) {
	if !published[n.Kind] {
		return
	}

	event := Event{
		Kind:         string(n.Kind),
		SessionID:    n.SessionID,
		Name:         n.Name,
		Path:         n.Path,
		Size:         n.Size,
		BytesWritten: n.BytesWritten,
		Mime:         n.Mime,
		ElapsedMs:    n.Elapsed.Milliseconds(),
		Metadata:     n.Metadata,
		Time:         p.now().UTC(),
	}
	if n.Err != nil {
		event.Error = n.Err.Error()
		if kind, ok := upload.KindOf(n.Err); ok {
			event.ErrorKind = kind.String()
		}
	}

	data, err := json.Marshal(event)
	if err != nil {
		slog.Error("Failed to encode upload event", "session", n.SessionID, "error", err)
		return
	}
	if err := p.pub.Publish(p.Subject(n.Kind), data); err != nil {
		slog.Warn("Failed to publish upload event", "session", n.SessionID, "kind", n.Kind, "error", err)
	}
}

// Close flushes pending messages and closes the connection, if this Publisher owns one.
func (p *Publisher) Close() error {
	if p.conn == nil {
		return nil
	}
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
		return fmt.Errorf("failed to drain NATS connection: %w", err)
	}
	return nil
}
