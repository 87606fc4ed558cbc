package channel

import (
	"log/slog"
	"sync"
)

// inboxSize bounds how many undelivered events one side of a pipe holds.
const inboxSize = 256

// Local is one end of an in-memory channel pair created by Pipe.
type Local struct {
	emitter

	name  string
	peer  *Local
	inbox chan Message
	done  chan struct{}
	close func()
}

var _ Channel = (*Local)(nil)

// Pipe returns two connected in-memory channels. Events sent on one are delivered,
// in order, to the handlers of the other. Closing either end closes both.
func Pipe() (*Local, *Local) {
	done := make(chan struct{})
	var once sync.Once
	closeFn := func() { once.Do(func() { close(done) }) }

	a := &Local{name: "a", inbox: make(chan Message, inboxSize), done: done, close: closeFn}
	b := &Local{name: "b", inbox: make(chan Message, inboxSize), done: done, close: closeFn}
	a.peer, b.peer = b, a

	go a.deliver()
	go b.deliver()

	return a, b
}

func (l *Local) Send(event string, payload any) error {
	data, binary, err := encode(event, payload)
	if err != nil {
		return err
	}
	if binary != nil {
		// the caller may reuse its buffer once Send returns
		binary = append([]byte(nil), binary...)
	}

	select {
	case <-l.done:
		return ErrClosed
	default:
	}

	select {
	case l.peer.inbox <- Message{Event: event, Data: data, Binary: binary}:
		return nil
	case <-l.done:
		return ErrClosed
	}
}

func (l *Local) Close() error {
	l.close()
	return nil
}

func (l *Local) Done() <-chan struct{} {
	return l.done
}

func (l *Local) deliver() {
	for {
		select {
		case msg := <-l.inbox:
			if !l.dispatch(msg) {
				slog.Debug("No listener for event", "side", l.name, "event", msg.Event)
			}
		case <-l.done:
			return
		}
	}
}
