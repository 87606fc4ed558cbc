// Package send renders progress for `ferry send`.
package send

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/fileferry/ferry/internal/sender"
	"github.com/fileferry/ferry/internal/ui"
	"github.com/spf13/afero"
)

// progressInterval is how often the view samples bytes sent
const progressInterval = 50 * time.Millisecond

type SendState int

const (
	StatePreparing SendState = iota
	StateSending
	StateCancelling
	StateSuccess
	StateError
)

// Uploader is the part of *sender.Sender the view drives.
type Uploader interface {
	Upload(ctx context.Context, f sender.File, progress sender.ProgressFunc) (sender.Result, error)
}

type SendConfig struct {
	ui.DisplayConfig

	Uploader Uploader
	// Fs is where Paths are read from; nil means the OS filesystem
	Fs             afero.Fs
	Paths          []string
	DestinationKey string
	Metadata       map[string]any
	// Out receives simple output; nil means stdout
	Out io.Writer
}

// Sent is the outcome of one file.
type Sent struct {
	Name    string
	Size    int64
	Outcome string
	Result  sender.Result
}

// SendView uploads files one after another over a single sender.
type SendView struct {
	ctx    context.Context
	cancel context.CancelFunc

	state       SendState
	files       []fileToSend
	totalSize   int64
	sentBytes   int64
	doneBytes   int64
	current     string
	sent        []Sent
	startTime   time.Time
	speed       float64
	spinner     *ui.SpinnerModel
	progressBar progress.Model
	err         error

	atomicSent         *atomic.Int64
	lastPrintedPercent int

	conf SendConfig
}

type fileToSend struct {
	path string
	name string
	size int64
}

func NewSendView(ctx context.Context, conf SendConfig) *SendView {
	if conf.Fs == nil {
		conf.Fs = afero.NewOsFs()
	}
	if conf.Out == nil {
		conf.Out = os.Stdout
	}
	ctx, cancel := context.WithCancel(ctx)

	return &SendView{
		ctx:    ctx,
		cancel: cancel,
		state:  StatePreparing,
		progressBar: progress.New(
			progress.WithSolidFill("#EB3A6F"),
			progress.WithWidth(50),
			progress.WithoutPercentage(),
		),
		spinner:    ui.NewSpinner("Preparing files..."),
		atomicSent: &atomic.Int64{},
		conf:       conf,
	}
}

// Error returns the error if any occurred during execution
func (m *SendView) Error() error {
	return m.err
}

// Sent lists the files that finished, in order.
func (m *SendView) Sent() []Sent {
	return m.sent
}

func (m *SendView) State() SendState {
	return m.state
}

func (m *SendView) Init() tea.Cmd {
	return tea.Batch(m.spinner.Init(), m.prepareFiles)
}

func (m *SendView) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch v := msg.(type) {
	case ui.SignalCancelMsg:
		return m.onCancel()

	case filesPreparedMsg:
		return m.onFilesPrepared(v)

	case fileSentMsg:
		return m.onFileSent(v)

	case progressTickMsg:
		return m.onProgressTick(time.Time(v))

	case *ui.UIError:
		return m.onError(v)

	case tea.KeyMsg:
		return m.onKey(v)

	default:
		if m.conf.SimpleOutput() {
			return m, nil
		}
		_, cmd := m.spinner.Update(msg)
		return m, cmd
	}
}

func (m *SendView) onCancel() (tea.Model, tea.Cmd) {
	m.cancel()
	if m.state != StateSending {
		m.state = StateError
		m.err = ui.NewUserCancelledError()
		return m, tea.Quit
	}

	// the upload command returns once the receiver acknowledges the abort
	m.state = StateCancelling
	m.spinner.SetLabel("Cancelling upload...")
	if m.conf.SimpleOutput() {
		fmt.Fprintln(m.conf.Out, "Cancelling upload...")
	}
	return m, nil
}

func (m *SendView) onFilesPrepared(msg filesPreparedMsg) (tea.Model, tea.Cmd) {
	m.files = msg.files
	m.totalSize = msg.totalSize
	m.state = StateSending
	m.startTime = time.Now()
	m.lastPrintedPercent = 0

	if m.conf.SimpleOutput() {
		fmt.Fprintf(m.conf.Out, "Sending %d %s (%s)...\n", len(m.files), plural(len(m.files), "file", "files"), ui.FormatBytes(m.totalSize))
	}

	return m, tea.Batch(m.sendFile(0), m.tickProgress())
}

func (m *SendView) onFileSent(msg fileSentMsg) (tea.Model, tea.Cmd) {
	m.sent = append(m.sent, msg.sent)
	m.doneBytes += msg.sent.Size
	m.atomicSent.Store(m.doneBytes)
	m.sentBytes = m.doneBytes

	if m.conf.SimpleOutput() {
		fmt.Fprintf(m.conf.Out, "✓ %s %s (%d/%d)\n", ui.ColorizeOutcome(msg.sent.Outcome), msg.sent.Name, len(m.sent), len(m.files))
	}

	if m.state == StateCancelling {
		m.state = StateError
		m.err = ui.NewUserCancelledError()
		return m, tea.Quit
	}
	if len(m.sent) < len(m.files) {
		return m, m.sendFile(len(m.sent))
	}

	m.state = StateSuccess
	if m.conf.SimpleOutput() {
		if m.lastPrintedPercent < 100 {
			m.printSimpleProgress(100)
		}
		fmt.Fprintf(m.conf.Out, "✓ Sent successfully! Total: %s\n", ui.FormatBytes(m.totalSize))
	}
	return m, tea.Quit
}

func (m *SendView) onProgressTick(now time.Time) (tea.Model, tea.Cmd) {
	if m.state != StateSending && m.state != StateCancelling {
		return m, nil
	}

	m.sentBytes = m.atomicSent.Load()
	if !m.startTime.IsZero() && m.sentBytes > 0 {
		if elapsed := now.Sub(m.startTime).Seconds(); elapsed > 0 {
			m.speed = float64(m.sentBytes) / elapsed
		}
	}

	if m.conf.SimpleOutput() && m.totalSize > 0 {
		decile := int(float64(m.sentBytes)/float64(m.totalSize)*100) / 10 * 10
		if decile > m.lastPrintedPercent && decile <= 100 {
			m.printSimpleProgress(decile)
		}
	}

	return m, m.tickProgress()
}

func (m *SendView) onError(err *ui.UIError) (tea.Model, tea.Cmd) {
	m.cancel()
	m.state = StateError
	m.err = err
	if err.Type == ui.ErrorTypeUserCancelled {
		if m.conf.SimpleOutput() {
			fmt.Fprintln(m.conf.Out, "Upload cancelled by user")
		}
		return m, tea.Quit
	}

	err.SilentExit = true
	if m.conf.SimpleOutput() {
		fmt.Fprintf(m.conf.Out, "Error: %s\n", err.Error())
	}
	return m, tea.Quit
}

func (m *SendView) onKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.conf.SimpleOutput() {
		return m, nil
	}

	switch msg.String() {
	case "q", "esc", tea.KeyCtrlC.String():
		return m.onCancel()
	}
	return m, nil
}

type filesPreparedMsg struct {
	files     []fileToSend
	totalSize int64
}

type fileSentMsg struct {
	sent Sent
}

type progressTickMsg time.Time

func (m *SendView) prepareFiles() tea.Msg {
	if len(m.conf.Paths) == 0 {
		return ui.NewValidationError(errors.New("no files to send"))
	}

	var files []fileToSend
	var total int64
	for _, path := range m.conf.Paths {
		info, err := m.conf.Fs.Stat(path)
		if err != nil {
			if os.IsNotExist(err) {
				return ui.NewFileSystemError(fmt.Errorf("file does not exist: %s", path))
			}
			return ui.NewFileSystemError(fmt.Errorf("failed to access %s: %w", path, err))
		}
		if info.IsDir() {
			return ui.NewValidationError(fmt.Errorf("%s is a directory", path))
		}
		files = append(files, fileToSend{path: path, name: filepath.Base(path), size: info.Size()})
		total += info.Size()
	}

	return filesPreparedMsg{files: files, totalSize: total}
}

// sendFile uploads files[index]. Progress lands in atomicSent as a running total over all files.
func (m *SendView) sendFile(index int) tea.Cmd {
	file := m.files[index]
	m.current = file.name
	base := m.doneBytes

	return func() tea.Msg {
		f, err := m.conf.Fs.Open(file.path)
		if err != nil {
			return ui.NewFileSystemError(fmt.Errorf("failed to open %s: %w", file.path, err))
		}
		defer f.Close()

		result, err := m.conf.Uploader.Upload(m.ctx, sender.File{
			Name:           file.name,
			Size:           file.size,
			Reader:         f,
			DestinationKey: m.conf.DestinationKey,
			Metadata:       m.conf.Metadata,
		}, func(sent int64) {
			m.atomicSent.Store(base + sent)
		})
		if err != nil {
			return ui.Classify(fmt.Errorf("failed to send %s: %w", file.name, err))
		}

		return fileSentMsg{sent: Sent{
			Name:    file.name,
			Size:    file.size,
			Outcome: outcomeOf(result),
			Result:  result,
		}}
	}
}

func outcomeOf(r sender.Result) string {
	switch {
	case r.Skipped:
		return ui.OutcomeSkipped
	case r.ResumedFrom > 0:
		return ui.OutcomeResumed
	default:
		return ui.OutcomeUploaded
	}
}

func (m *SendView) View() string {
	if m.conf.SimpleOutput() {
		return ""
	}

	var out strings.Builder

	switch m.state {
	case StatePreparing:
		out.WriteString(m.spinner.View() + "\n")

	case StateSending, StateCancelling:
		out.WriteString("✓ " + ui.SuccessStyle.Render("Prepared files") + "\n\n")

		label := ui.FileStyle.Render("↑ Sending: " + m.current)
		if m.state == StateCancelling {
			label = ui.WarningStyle.Render("Cancelling upload...")
		}
		out.WriteString(label + "\n\n")

		fraction := 0.0
		if m.totalSize > 0 {
			fraction = float64(m.sentBytes) / float64(m.totalSize)
		}
		out.WriteString(fmt.Sprintf("  %s %s\n\n",
			m.progressBar.ViewAs(fraction),
			ui.PercentStyle.Render(fmt.Sprintf("%3d%%", int(fraction*100))),
		))
		out.WriteString("  " + ui.StatsStyle.Render(strings.Join(m.stats(), " • ")) + "\n")

	case StateSuccess:
		out.WriteString("✓ " + ui.SuccessStyle.Render("Prepared files") + "\n")
		out.WriteString("✓ " + ui.SuccessStyle.Render("Transfer completed") + "\n\n")
		for _, s := range m.sent {
			out.WriteString(fmt.Sprintf("  %s  %s (%s)\n", ui.ColorizeOutcome(s.Outcome), s.Name, ui.FormatBytes(s.Size)))
		}
		out.WriteString("\n" + ui.SuccessStyle.Render(fmt.Sprintf("Sent %d %s (%s)",
			len(m.sent), plural(len(m.sent), "file", "files"), ui.FormatBytes(m.totalSize))) + "\n")

	case StateError:
		var uiErr *ui.UIError
		if m.err != nil && !(errors.As(m.err, &uiErr) && uiErr.Type == ui.ErrorTypeUserCancelled) {
			out.WriteString("\n" + ui.FormatError(m.err))
		}
	}

	return out.String()
}

func (m *SendView) stats() []string {
	stats := []string{fmt.Sprintf("%s / %s", ui.FormatBytes(m.sentBytes), ui.FormatBytes(m.totalSize))}
	if m.speed > 0 {
		stats = append(stats, fmt.Sprintf("%s/s", ui.FormatBytes(int64(m.speed))))
		if m.sentBytes < m.totalSize {
			eta := time.Duration(float64(m.totalSize-m.sentBytes)/m.speed) * time.Second
			stats = append(stats, "ETA "+eta.String())
		}
	}
	return append(stats, fmt.Sprintf("%d/%d files", len(m.sent), len(m.files)))
}

func (m *SendView) tickProgress() tea.Cmd {
	return tea.Tick(progressInterval, func(t time.Time) tea.Msg {
		return progressTickMsg(t)
	})
}

func (m *SendView) printSimpleProgress(percent int) {
	m.lastPrintedPercent = percent
	fmt.Fprintln(m.conf.Out, progressLine(percent, m.sentBytes, m.totalSize, m.speed, len(m.sent), len(m.files)))
}

// progressLine renders a line like "[==========>         ] 50% (1.00 KB / 2.00 KB) • 1/2 files".
func progressLine(percent int, sent, total int64, speed float64, filesDone, filesTotal int) string {
	const barWidth = 20
	filled := percent * barWidth / 100

	var bar strings.Builder
	bar.WriteString("[")
	for i := 0; i < barWidth; i++ {
		switch {
		case i < filled:
			bar.WriteString("=")
		case i == filled:
			bar.WriteString(">")
		default:
			bar.WriteString(" ")
		}
	}
	bar.WriteString("]")

	line := fmt.Sprintf("%s %d%% (%s / %s)", bar.String(), percent, ui.FormatBytes(sent), ui.FormatBytes(total))
	if speed > 0 {
		line += fmt.Sprintf(" • %s/s", ui.FormatBytes(int64(speed)))
	}
	return line + fmt.Sprintf(" • %d/%d files", filesDone, filesTotal)
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
