// Package testing drives Bubbletea models step by step in tests and checks their
// views against golden files.
package testing

import (
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"github.com/sebdah/goldie/v2"
)

// maxCommandDepth bounds how many command results are fed back per step, so tick
// loops terminate.
const maxCommandDepth = 10

// TestHarness feeds messages to a model and asserts on its view and state after each.
//
//	uitesting.NewTestHarness(t, view).
//		Step(uitesting.TestStep[*SendView]{
//			Name:       "prepared",
//			Msg:        filesPreparedMsg{...},
//			ViewGolden: "send_prepared",
//		}).
//		Run(t)
type TestHarness[T tea.Model] struct {
	model  T
	steps  []TestStep[T]
	init   bool
	goldie *goldie.Goldie

	// Passthrough decides which command results are fed back into Update. Nil feeds all.
	Passthrough func(tea.Msg) bool
}

// TestStep is one message and the assertions that follow it.
type TestStep[T tea.Model] struct {
	Name string

	// Msg is sent to Update; nil only renders the current state
	Msg tea.Msg

	// ViewGolden compares View() against testdata/<ViewGolden>.golden
	ViewGolden string
	ViewAssert func(t *testing.T, view string)

	ModelAssert func(t *testing.T, m T)
}

// NewTestHarness pins the colour profile to ASCII so views render without escape codes.
func NewTestHarness[T tea.Model](t *testing.T, model T) *TestHarness[T] {
	t.Helper()
	lipgloss.SetColorProfile(termenv.Ascii)

	return &TestHarness[T]{
		model: model,
		goldie: goldie.New(t,
			goldie.WithFixtureDir("testdata"),
			goldie.WithNameSuffix(".golden"),
		),
	}
}

// WithInit makes Run call the model's Init and process its command first.
func (h *TestHarness[T]) WithInit() *TestHarness[T] {
	h.init = true
	return h
}

func (h *TestHarness[T]) Step(step TestStep[T]) *TestHarness[T] {
	h.steps = append(h.steps, step)
	return h
}

// Model returns the model as left by the last step.
func (h *TestHarness[T]) Model() T {
	return h.model
}

func (h *TestHarness[T]) Run(t *testing.T) {
	t.Helper()

	if h.init {
		h.process(t, h.model.Init(), 0)
	}

	for _, step := range h.steps {
		t.Run(step.Name, func(t *testing.T) {
			if step.Msg != nil {
				h.process(t, h.update(t, step.Msg), 0)
			}

			view := normalizeView(h.model.View())
			if step.ViewGolden != "" {
				h.goldie.Assert(t, step.ViewGolden, []byte(view))
			}
			if step.ViewAssert != nil {
				step.ViewAssert(t, view)
			}
			if step.ModelAssert != nil {
				step.ModelAssert(t, h.model)
			}
		})
	}
}

func (h *TestHarness[T]) update(t *testing.T, msg tea.Msg) tea.Cmd {
	t.Helper()
	next, cmd := h.model.Update(msg)
	model, ok := next.(T)
	if !ok {
		t.Fatalf("model %T is not %T", next, h.model)
	}
	h.model = model
	return cmd
}

// process runs cmd and feeds its message back into Update, the way the Bubbletea
// runtime would. Batches are not expanded.
func (h *TestHarness[T]) process(t *testing.T, cmd tea.Cmd, depth int) {
	t.Helper()
	if cmd == nil || depth >= maxCommandDepth {
		return
	}
	msg := cmd()
	if msg == nil {
		return
	}
	if _, ok := msg.(tea.BatchMsg); ok {
		return
	}
	if h.Passthrough != nil && !h.Passthrough(msg) {
		return
	}
	h.process(t, h.update(t, msg), depth+1)
}

// normalizeView trims trailing spaces per line so golden files stay stable.
func normalizeView(view string) string {
	lines := strings.Split(view, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " ")
	}
	return strings.Join(lines, "\n")
}
