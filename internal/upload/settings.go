package upload

import (
	"log/slog"
	"time"

	"github.com/fileferry/ferry/internal/channel"
	"github.com/fileferry/ferry/internal/version"
)

const (
	// DefaultChunkSize is the chunk size hint when none is configured
	DefaultChunkSize = 10240

	// ProtocolVersion is advertised in every settings response
	ProtocolVersion = version.Protocol
)

// TransferSettings are the parameters negotiated once per channel.
type TransferSettings struct {
	// MaxFileSize caps declared and written size in bytes (0 = unlimited)
	MaxFileSize int64

	// Accepts lists accepted MIME types or patterns (empty = accept all)
	Accepts []string

	// ChunkSize is the chunk size the sender should use
	ChunkSize int

	// TransmissionDelay throttles credit issuance
	TransmissionDelay time.Duration
}

func (s TransferSettings) withDefaults() TransferSettings {
	if s.ChunkSize <= 0 {
		s.ChunkSize = DefaultChunkSize
	}
	accepts := make([]string, len(s.Accepts))
	copy(accepts, s.Accepts)
	s.Accepts = accepts
	return s
}

// Payload renders the settings as they travel on the wire.
func (s TransferSettings) Payload() SettingsPayload {
	accepts := make([]string, len(s.Accepts))
	copy(accepts, s.Accepts)
	return SettingsPayload{
		MaxFileSize:       s.MaxFileSize,
		Accepts:           accepts,
		ChunkSize:         s.ChunkSize,
		TransmissionDelay: s.TransmissionDelay.Milliseconds(),
		ProtocolVersion:   ProtocolVersion,
	}
}

// FromPayload is the inverse of Payload, used by senders. A missing chunk size
// falls back to DefaultChunkSize.
func FromPayload(p SettingsPayload) TransferSettings {
	return TransferSettings{
		MaxFileSize:       p.MaxFileSize,
		Accepts:           p.Accepts,
		ChunkSize:         p.ChunkSize,
		TransmissionDelay: time.Duration(p.TransmissionDelay) * time.Millisecond,
	}.withDefaults()
}

// negotiator answers settings requests with the same immutable payload every time
// and raises the local ready notification after the first answer.
type negotiator struct {
	payload SettingsPayload
	ready   bool
}

func newNegotiator(settings TransferSettings) *negotiator {
	return &negotiator{payload: settings.Payload()}
}

func (n *negotiator) respond(ch channel.Channel, notify func(Notification)) {
	if err := ch.Send(EventSyncSettingsResponse, n.payload); err != nil {
		slog.Warn("Failed to send settings", "error", err)
		return
	}
	if !n.ready {
		n.ready = true
		notify(Notification{Kind: NotifyReady})
	}
}
