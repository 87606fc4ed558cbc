package channel

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// pingInterval is how often we send ping frames to keep the connection alive
	pingInterval = 10 * time.Second
	// pongTimeout is how long we wait for a pong response before considering the connection dead
	pongTimeout = 5 * time.Second
	// writeTimeout bounds a single frame write
	writeTimeout = 10 * time.Second
	// maxEventName is the largest event name a binary frame header can carry
	maxEventName = 1<<16 - 1
)

// envelope is the JSON text frame layout.
type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Websocket adapts a gorilla websocket connection to the Channel contract.
//
// Structured events travel as JSON text frames. Raw byte events travel as binary
// frames laid out as a 2 byte big-endian event name length, the name, then the payload.
type Websocket struct {
	emitter

	conn      *websocket.Conn
	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

var _ Channel = (*Websocket)(nil)

// NewWebsocket wraps conn and starts its read and keep-alive loops.
func NewWebsocket(conn *websocket.Conn) *Websocket {
	ws := &Websocket{
		conn: conn,
		done: make(chan struct{}),
	}

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pingInterval + pongTimeout))
	})

	go ws.readLoop()
	go ws.pingLoop()

	return ws
}

func (w *Websocket) Send(event string, payload any) error {
	data, raw, err := encode(event, payload)
	if err != nil {
		return err
	}

	var (
		messageType int
		frame       []byte
	)
	if raw != nil {
		frame, err = encodeBinaryFrame(event, raw)
		if err != nil {
			return err
		}
		messageType = websocket.BinaryMessage
	} else {
		frame, err = json.Marshal(envelope{Event: event, Data: data})
		if err != nil {
			return fmt.Errorf("failed to encode envelope: %w", err)
		}
		messageType = websocket.TextMessage
	}

	select {
	case <-w.done:
		return ErrClosed
	default:
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	if err := w.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}
	if err := w.conn.WriteMessage(messageType, frame); err != nil {
		w.shutdown()
		return fmt.Errorf("write error: %w", err)
	}
	return nil
}

// Close sends a normal closure frame and releases the connection.
func (w *Websocket) Close() error {
	w.writeMu.Lock()
	_ = w.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(pongTimeout))
	w.writeMu.Unlock()

	w.shutdown()
	return nil
}

func (w *Websocket) Done() <-chan struct{} {
	return w.done
}

func (w *Websocket) shutdown() {
	w.closeOnce.Do(func() {
		close(w.done)
		_ = w.conn.Close()
	})
}

func (w *Websocket) readLoop() {
	defer w.shutdown()

	for {
		if err := w.conn.SetReadDeadline(time.Now().Add(pingInterval + pongTimeout)); err != nil {
			slog.Debug("Failed to set read deadline", "error", err)
			return
		}

		messageType, payload, err := w.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("WebSocket closed normally")
			} else {
				select {
				case <-w.done:
				default:
					slog.Debug("WebSocket read error", "error", err)
				}
			}
			return
		}

		msg, err := decodeFrame(messageType, payload)
		if err != nil {
			slog.Warn("Failed to parse websocket message", "error", err)
			continue
		}

		if !w.dispatch(msg) {
			slog.Debug("No listener for event", "event", msg.Event)
		}
	}
}

// pingLoop sends periodic ping messages to keep the connection alive.
func (w *Websocket) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.writeMu.Lock()
			err := w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(pongTimeout))
			w.writeMu.Unlock()
			if err != nil {
				slog.Debug("Failed to send ping", "error", err)
				return
			}
		}
	}
}

func encodeBinaryFrame(event string, payload []byte) ([]byte, error) {
	if len(event) > maxEventName {
		return nil, fmt.Errorf("event name too long: %d bytes", len(event))
	}
	frame := make([]byte, 2+len(event)+len(payload))
	binary.BigEndian.PutUint16(frame, uint16(len(event)))
	copy(frame[2:], event)
	copy(frame[2+len(event):], payload)
	return frame, nil
}

func decodeFrame(messageType int, payload []byte) (Message, error) {
	switch messageType {
	case websocket.TextMessage:
		var env envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			return Message{}, fmt.Errorf("failed to unmarshal message: %w", err)
		}
		if env.Event == "" {
			return Message{}, errors.New("message has no event name")
		}
		return Message{Event: env.Event, Data: env.Data}, nil

	case websocket.BinaryMessage:
		if len(payload) < 2 {
			return Message{}, errors.New("binary frame too short")
		}
		n := int(binary.BigEndian.Uint16(payload))
		if len(payload) < 2+n || n == 0 {
			return Message{}, fmt.Errorf("binary frame header claims %d byte event name", n)
		}
		return Message{
			Event:  string(payload[2 : 2+n]),
			Binary: payload[2+n:],
		}, nil

	default:
		return Message{}, fmt.Errorf("unsupported message type %d", messageType)
	}
}
