package upload

import "time"

// NotificationKind names a local lifecycle notification.
type NotificationKind string

const (
	NotifyReady    NotificationKind = "ready"
	NotifyStart    NotificationKind = "start"
	NotifyResume   NotificationKind = "resume"
	NotifyProgress NotificationKind = "progress"
	NotifyComplete NotificationKind = "complete"
	NotifyAbort    NotificationKind = "abort"
	NotifyError    NotificationKind = "error"
)

// Notification is what the engine tells the embedding application about a session.
// Ready carries no session fields.
type Notification struct {
	Kind         NotificationKind
	SessionID    string
	Name         string
	Path         string
	Size         int64
	BytesWritten int64
	Offset       int64
	Mime         string
	Elapsed      time.Duration
	Metadata     map[string]any
	Err          error
}

// Notifier receives notifications on the engine's loop; implementations must not block for long.
type Notifier interface {
	Notify(Notification)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Notification)

func (f NotifierFunc) Notify(n Notification) { f(n) }

// Notifiers fans a notification out to several notifiers in order. Nil entries are skipped.
func Notifiers(notifiers ...Notifier) Notifier {
	var list multiNotifier
	for _, n := range notifiers {
		if n != nil {
			list = append(list, n)
		}
	}
	return list
}

type multiNotifier []Notifier

func (m multiNotifier) Notify(n Notification) {
	for _, notifier := range m {
		notifier.Notify(n)
	}
}

// notification fills the session fields of a notification.
func (s *Session) notification(kind NotificationKind) Notification {
	return Notification{
		Kind:         kind,
		SessionID:    s.ID,
		Name:         s.Name,
		Path:         s.Path,
		Size:         s.DeclaredSize,
		BytesWritten: s.BytesWritten,
		Metadata:     s.Metadata,
	}
}
