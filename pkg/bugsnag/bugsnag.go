// Package bugsnag reports ferry failures and panics to Bugsnag.
// Reporting is off unless an API key is compiled in and telemetry is enabled.
package bugsnag

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"
	"sync"

	"github.com/bugsnag/bugsnag-go/v2"
	"github.com/fileferry/ferry/internal/upload"
	"github.com/fileferry/ferry/internal/version"
)

// Build-time variables that can be set via ldflags
// Example: go build -ldflags "-X github.com/fileferry/ferry/pkg/bugsnag.BugsnagAPIKey=your-key"
var (
	// BugsnagAPIKey is the API key for error reporting, injected at compile time.
	BugsnagAPIKey = ""

	// DefaultReleaseStage can be overridden at compile time via ldflags.
	DefaultReleaseStage = "production"
)

var (
	mu          sync.Mutex
	initialized bool
	enabled     bool

	// send is swapped out in tests
	send = bugsnag.Notify
)

// Initialize configures the client once. appType is "server" or "sender".
// With telemetry off or no API key, every Notify call becomes a no-op.
func Initialize(telemetryEnabled bool, appType string) error {
	mu.Lock()
	defer mu.Unlock()

	if initialized {
		return nil
	}
	initialized = true

	apiKey := BugsnagAPIKey
	if envKey := os.Getenv("BUGSNAG_API_KEY"); envKey != "" {
		apiKey = envKey
	}
	if !telemetryEnabled || apiKey == "" {
		return nil
	}

	releaseStage := os.Getenv("FERRY_RELEASE_STAGE")
	if releaseStage == "" {
		releaseStage = DefaultReleaseStage
	}

	appVersion := version.Version
	if appVersion == "" {
		appVersion = "dev"
	}

	bugsnag.Configure(bugsnag.Configuration{
		APIKey:              apiKey,
		ReleaseStage:        releaseStage,
		AppVersion:          appVersion,
		AppType:             appType,
		ProjectPackages:     []string{"main", "github.com/fileferry/ferry*"},
		NotifyReleaseStages: []string{"production", "staging", "development"},
		PanicHandler:        func() {}, // panics are reported by NotifyOnPanic
		Synchronous:         false,
		AutoCaptureSessions: appType == "sender",
	})

	addSystemMetadata()

	enabled = true
	return nil
}

// IsEnabled returns whether reports are being sent.
func IsEnabled() bool {
	mu.Lock()
	defer mu.Unlock()
	return enabled
}

func addSystemMetadata() {
	bugsnag.OnBeforeNotify(func(event *bugsnag.Event, _ *bugsnag.Configuration) error {
		event.MetaData.Add("system", "os_type", runtime.GOOS)
		event.MetaData.Add("system", "os_arch", runtime.GOARCH)
		event.MetaData.Add("system", "go_version", runtime.Version())
		event.MetaData.Add("system", "num_goroutine", runtime.NumGoroutine())
		return nil
	})
}

// SetUser attributes later reports to id, typically the subject of the sender's upload token.
func SetUser(id string) {
	if id == "" || !IsEnabled() {
		return
	}
	bugsnag.OnBeforeNotify(func(event *bugsnag.Event, _ *bugsnag.Configuration) error {
		event.User = &bugsnag.User{Id: id}
		return nil
	})
}

// SetCommandContext tracks which command triggered an error.
func SetCommandContext(command string, args []string) {
	if !IsEnabled() {
		return
	}
	bugsnag.OnBeforeNotify(func(event *bugsnag.Event, _ *bugsnag.Configuration) error {
		event.MetaData.Add("command", "name", command)
		if len(args) > 0 {
			event.MetaData.Add("command", "args", strings.Join(args, " "))
		}
		return nil
	})
}

func notify(ctx context.Context, err error, severity any, extra ...any) {
	if err == nil || !IsEnabled() || IsUserCancellation(err) {
		return
	}
	rawData := append([]any{ctx, severity}, extra...)
	_ = send(err, rawData...)
}

// NotifyError reports failures that need attention.
func NotifyError(ctx context.Context, err error) {
	notify(ctx, err, bugsnag.SeverityError)
}

// NotifyWarning reports recoverable problems.
func NotifyWarning(ctx context.Context, err error) {
	notify(ctx, err, bugsnag.SeverityWarning)
}

// NotifyWithMetadata reports an error with extra tabs of metadata.
func NotifyWithMetadata(ctx context.Context, err error, severity any, metadata bugsnag.MetaData) {
	notify(ctx, err, severity, metadata)
}

// WrapError adds context to err, keeping it nil when err is nil.
func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// NotifyOnPanic reports a panic and re-raises it. Defer it at the top of main and
// of every connection goroutine.
func NotifyOnPanic(ctx context.Context) {
	if r := recover(); r != nil {
		var err error
		switch x := r.(type) {
		case string:
			err = fmt.Errorf("panic: %s", x)
		case error:
			err = fmt.Errorf("panic: %w", x)
		default:
			err = fmt.Errorf("panic: %v", r)
		}

		NotifyError(ctx, err)
		panic(r)
	}
}

// IsUserCancellation identifies errors from user-initiated cancellations,
// which are never reported.
func IsUserCancellation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return true
	}

	errStr := err.Error()
	return strings.Contains(errStr, "operation cancelled") ||
		strings.Contains(errStr, "user cancelled")
}

// Reporter forwards session failures to Bugsnag. Only storage failures are sent:
// rejected types, size limits and protocol mistakes are the sender's problem.
type Reporter struct {
	ctx context.Context
}

var _ upload.Notifier = (*Reporter)(nil)

func NewReporter(ctx context.Context) *Reporter {
	return &Reporter{ctx: ctx}
}

func (r *Reporter) Notify(n upload.Notification) {
	if n.Kind != upload.NotifyError || n.Err == nil {
		return
	}
	if kind, ok := upload.KindOf(n.Err); !ok || kind != upload.KindStorage {
		return
	}

	NotifyWithMetadata(r.ctx, n.Err, bugsnag.SeverityError, bugsnag.MetaData{
		"session": {
			"id":           n.SessionID,
			"name":         n.Name,
			"path":         n.Path,
			"size":         n.Size,
			"bytesWritten": n.BytesWritten,
		},
	})
}
