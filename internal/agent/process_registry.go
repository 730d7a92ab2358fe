package agent

// NoopProcessRegistry releases nothing; used when the configured Provider
// never produces truncated exec results worth tracking (NoopProvider, and
// any future backend that doesn't run long-lived subprocesses).
type NoopProcessRegistry struct{}

func (NoopProcessRegistry) Release(string) {}

var _ ProcessRegistry = NoopProcessRegistry{}
