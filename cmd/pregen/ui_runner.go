package main

import (
	"context"
	"os"

	tea "github.com/charmbracelet/bubbletea"

	"pregen/internal/driver"
	"pregen/internal/ui"
)

type compileOutcome struct {
	result *driver.Result
	err    error
}

// runCompileWithUI runs the compilation in a goroutine and renders its event
// stream through the progress model. The event channel closes after Compile
// returns, which quits the program.
func runCompileWithUI(ctx context.Context, title string, opts driver.Options) (*driver.Result, error) {
	events := make(chan driver.Event, 256)
	outcomeCh := make(chan compileOutcome, 1)

	go func() {
		optsCopy := opts
		optsCopy.Sink = driver.ChannelSink{Ch: events}
		res, err := driver.Compile(ctx, optsCopy)
		outcomeCh <- compileOutcome{result: res, err: err}
		close(events)
	}()

	model := ui.NewProgressModel(title, events)
	program := tea.NewProgram(model, tea.WithOutput(os.Stdout))
	_, uiErr := program.Run()
	outcome := <-outcomeCh
	if uiErr != nil {
		return outcome.result, uiErr
	}
	return outcome.result, outcome.err
}
