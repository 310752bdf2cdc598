package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	tea "github.com/charmbracelet/bubbletea"

	"trapdump/internal/ui"
)

// runReplayWithUI runs replay in the background and renders its events
// until it returns.
func runReplayWithUI(ctx context.Context, title string, captures []string, replay func(chan<- ui.Event) []replayResult) ([]replayResult, error) {
	events := make(chan ui.Event, 256)
	outcomeCh := make(chan []replayResult, 1)

	go func() {
		res := replay(events)
		outcomeCh <- res
		close(events)
	}()

	model := ui.NewProgressModel(title, captures, events)
	program := tea.NewProgram(model, tea.WithOutput(os.Stdout), tea.WithContext(ctx))
	_, uiErr := program.Run()
	if uiErr != nil {
		// Keep draining so the replay goroutine never blocks on a full channel.
		go func() {
			for range events {
			}
		}()
	}
	results := <-outcomeCh
	return results, uiErr
}

// progressView is the --ui setting of the report command.
type progressView uint8

const (
	viewAuto progressView = iota
	viewOn
	viewOff
)

func parseProgressView(value string) (progressView, error) {
	switch strings.TrimSpace(strings.ToLower(value)) {
	case "", "auto":
		return viewAuto, nil
	case "on":
		return viewOn, nil
	case "off":
		return viewOff, nil
	default:
		return viewAuto, fmt.Errorf("invalid --ui value %q (expected auto|on|off)", value)
	}
}

// resolve reports whether the progress view is drawn. A debugger session
// owns the terminal, so it always wins over --ui.
func (v progressView) resolve(stdout *os.File, debugger bool) bool {
	if debugger {
		return false
	}
	switch v {
	case viewOn:
		return true
	case viewOff:
		return false
	default:
		return stdout != nil && isTerminal(stdout)
	}
}
