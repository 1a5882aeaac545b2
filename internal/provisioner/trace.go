package provisioner

import "context"

// Trace holds optional hooks into DownloadAndInstall, in the style of
// net/http/httptrace.
type Trace struct {
	// Installing is called once the archive is on disk, before unpacking.
	Installing func()
}

type traceKey struct{}

// WithTrace returns a context that delivers t's hooks to DownloadAndInstall.
func WithTrace(ctx context.Context, t *Trace) context.Context {
	return context.WithValue(ctx, traceKey{}, t)
}

func traceFrom(ctx context.Context) *Trace {
	t, _ := ctx.Value(traceKey{}).(*Trace)
	return t
}
