package engine

import "context"

// Outcome is the terminal value of a streamed run.
type Outcome struct {
	Report Report
	Err    error
}

// Stream runs e in the background and delivers its updates on a channel.
// The updates channel is closed when the run ends, after which exactly one
// Outcome is sent. A reader that stops early should cancel ctx or call
// e.Cancel; either one releases a blocked send.
func Stream(ctx context.Context, e *Engine, buffer int) (<-chan Update, <-chan Outcome) {
	updates := make(chan Update, buffer)
	outcome := make(chan Outcome, 1)
	runCtx, cancel, runID, err := e.begin(ctx)
	if err != nil {
		close(updates)
		outcome <- Outcome{Err: err}
		close(outcome)
		return updates, outcome
	}
	go func() {
		defer close(outcome)
		report, err := e.finish(runCtx, cancel, runID, func(u Update) {
			select {
			case updates <- u:
			case <-runCtx.Done():
			}
		})
		close(updates)
		outcome <- Outcome{Report: report, Err: err}
	}()
	return updates, outcome
}
