package sender

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/fileferry/ferry/internal/channel"
	"github.com/fileferry/ferry/internal/upload"
)

// transfer is the sending half of one session.
type transfer struct {
	sender   *Sender
	file     File
	buf      []byte
	signals  <-chan signal
	progress ProgressFunc
	started  time.Time

	sent        int64
	resumedFrom int64
	doneSent    bool
}

func (t *transfer) run(ctx context.Context) (Result, error) {
	ch := t.sender.ch
	id := t.file.ID

	for {
		select {
		case sig := <-t.signals:
			result, finished, err := t.handle(sig)
			if err != nil || finished {
				if err != nil && !finished {
					// a local failure leaves the receiver waiting: release the session
					_ = ch.Send(upload.AbortEvent(id), nil)
				}
				return result, err
			}

		case <-ctx.Done():
			t.abort()
			return Result{ID: id, BytesWritten: t.sent}, ctx.Err()

		case <-ch.Done():
			return Result{ID: id, BytesWritten: t.sent}, fmt.Errorf("upload %s interrupted: %w", id, channel.ErrClosed)
		}
	}
}

// handle applies one receiver signal. finished is set once the receiver is done with the session.
func (t *transfer) handle(sig signal) (Result, bool, error) {
	id := t.file.ID

	switch sig.kind {
	case signalAck:
		slog.Debug("Upload accepted", "id", id, "name", t.file.Name)
		return Result{}, false, nil

	case signalResume:
		var body upload.ResumePayload
		if err := sig.msg.Decode(&body); err != nil {
			return Result{}, false, err
		}
		if body.Offset < 0 || body.Offset > t.file.Size {
			return Result{}, false, fmt.Errorf("receiver asked to resume %s at %d of %d bytes", id, body.Offset, t.file.Size)
		}
		if _, err := t.file.Reader.Seek(body.Offset, io.SeekStart); err != nil {
			return Result{}, false, fmt.Errorf("failed to seek to %d: %w", body.Offset, err)
		}
		slog.Info("Resuming upload", "id", id, "name", t.file.Name, "offset", body.Offset)
		t.sent = body.Offset
		t.resumedFrom = body.Offset
		t.progress(t.sent)
		return Result{}, false, nil

	case signalCredit:
		return Result{}, false, t.sendNext()

	case signalComplete:
		var body upload.CompletePayload
		if err := sig.msg.Decode(&body); err != nil {
			return Result{}, true, err
		}
		result := Result{
			ID:           id,
			BytesWritten: body.BytesWritten,
			Mime:         body.Mime,
			Elapsed:      time.Since(t.started),
			ResumedFrom:  t.resumedFrom,
			Skipped:      !t.doneSent,
		}
		if !result.Skipped {
			t.progress(t.file.Size)
		}
		return result, true, nil

	case signalAbortAck:
		return Result{ID: id, BytesWritten: t.sent}, true, ErrAborted

	case signalError:
		var body upload.ErrorPayload
		if err := sig.msg.Decode(&body); err != nil {
			return Result{}, true, err
		}
		return Result{ID: id, BytesWritten: t.sent}, true, &RemoteError{ID: id, Kind: body.Kind, Message: body.Message}
	}

	return Result{}, false, nil
}

// sendNext spends one credit: the next chunk, or done once the file is through.
func (t *transfer) sendNext() error {
	ch := t.sender.ch
	id := t.file.ID

	remaining := t.file.Size - t.sent
	if remaining <= 0 {
		if t.doneSent {
			return nil
		}
		t.doneSent = true
		return ch.Send(upload.DoneEvent(id), nil)
	}

	n := int64(len(t.buf))
	if remaining < n {
		n = remaining
	}
	chunk := t.buf[:n]
	if _, err := io.ReadFull(t.file.Reader, chunk); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return fmt.Errorf("%w: %s at %d of %d bytes", ErrShortRead, t.file.Name, t.sent, t.file.Size)
		}
		return fmt.Errorf("failed to read %s: %w", t.file.Name, err)
	}

	if err := ch.Send(upload.ChunkEvent(id), chunk); err != nil {
		return fmt.Errorf("failed to send chunk: %w", err)
	}
	t.sent += n
	t.progress(t.sent)
	return nil
}

// abort tells the receiver to stop and waits briefly for it to acknowledge.
func (t *transfer) abort() {
	ch := t.sender.ch
	id := t.file.ID

	if err := ch.Send(upload.AbortEvent(id), nil); err != nil {
		return
	}

	timeout := time.NewTimer(abortTimeout)
	defer timeout.Stop()
	for {
		select {
		case sig := <-t.signals:
			switch sig.kind {
			case signalAbortAck, signalComplete, signalError:
				return
			}
		case <-timeout.C:
			slog.Warn("Receiver did not acknowledge abort", "id", id)
			return
		case <-ch.Done():
			return
		}
	}
}
