package agent

import (
	"context"
	"iter"
)

// NoopProvider completes every turn immediately without calling out to any
// model, the Go equivalent of the teacher's main.go running with the
// Python agent integration unwired (PYTHON_AGENT_ADDR unset): the gateway
// still serves terminal and cron traffic, chat turns just produce no
// assistant output. Selected when HOMIE_CHAT_BACKEND names no known
// backend.
type NoopProvider struct{}

type noopRunHandle struct{}

func (noopRunHandle) Abort() bool                 { return false }
func (noopRunHandle) SendUserMessage(string) bool { return false }

func (NoopProvider) Run(ctx context.Context, req RunRequest) (RunHandle, iter.Seq2[RunEvent, error]) {
	return noopRunHandle{}, func(yield func(RunEvent, error) bool) {
		if !yield(RunEvent{Kind: EventLifecycleStarted}, nil) {
			return
		}
		yield(RunEvent{Kind: EventLifecycleCompleted}, nil)
	}
}

var _ Provider = NoopProvider{}
