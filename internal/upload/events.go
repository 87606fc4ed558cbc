package upload

// EventPrefix namespaces every protocol event on a shared channel.
const EventPrefix = "ferry::"

// Channel-level events.
const (
	EventSyncSettingsRequest  = EventPrefix + "sync_settings_request"
	EventSyncSettingsResponse = EventPrefix + "sync_settings_response"
	EventRequestID            = EventPrefix + "request_id"
	EventRequestIDResponse    = EventPrefix + "request_id_response"
	EventCreate               = EventPrefix + "create"
	EventCreateAck            = EventPrefix + "create_ack"
	EventResume               = EventPrefix + "resume"
	EventError                = EventPrefix + "error"
)

// Per-session event names, addressed through SessionEvent.
const (
	chunkName       = "chunk"
	requestNextName = "request_next"
	doneName        = "done"
	completeName    = "complete"
	abortName       = "abort"
	abortAckName    = "abort_ack"
	errorName       = "error"
)

// SessionEvent addresses event name to session id.
func SessionEvent(id, name string) string {
	return EventPrefix + id + "::" + name
}

func ChunkEvent(id string) string       { return SessionEvent(id, chunkName) }
func RequestNextEvent(id string) string { return SessionEvent(id, requestNextName) }
func DoneEvent(id string) string        { return SessionEvent(id, doneName) }
func CompleteEvent(id string) string    { return SessionEvent(id, completeName) }
func AbortEvent(id string) string       { return SessionEvent(id, abortName) }
func AbortAckEvent(id string) string    { return SessionEvent(id, abortAckName) }
func ErrorEvent(id string) string       { return SessionEvent(id, errorName) }

// SettingsPayload is the body of sync_settings_response.
type SettingsPayload struct {
	MaxFileSize       int64    `json:"maxFileSize"`
	Accepts           []string `json:"accepts"`
	ChunkSize         int      `json:"chunkSize"`
	TransmissionDelay int64    `json:"transmissionDelay"` // milliseconds
	ProtocolVersion   string   `json:"protocolVersion"`
}

// IDPayload carries a receiver-assigned session id.
type IDPayload struct {
	ID string `json:"id"`
}

// CreateRequest is the body of create.
type CreateRequest struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Size           int64          `json:"size"`
	DestinationKey string         `json:"destinationKey,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// ResumePayload tells the sender where to seek before streaming.
type ResumePayload struct {
	ID     string `json:"id"`
	Offset int64  `json:"offset"`
}

// ErrorPayload is the body of both the channel-level and the per-session error event.
type ErrorPayload struct {
	ID      string `json:"id,omitempty"`
	Message string `json:"message"`
	Kind    string `json:"kind"`
}

// CompletePayload is the body of complete.
type CompletePayload struct {
	Name         string `json:"name"`
	Size         int64  `json:"size"`
	BytesWritten int64  `json:"bytesWritten"`
	Mime         string `json:"mime"`
	ElapsedMs    int64  `json:"elapsedMs"`
}

// AbortAckPayload is the body of abort_ack.
type AbortAckPayload struct {
	Name         string `json:"name"`
	BytesWritten int64  `json:"bytesWritten"`
}
