package logger

// Logger is the structured logger every component accepts.
type Logger interface {
	Debug(msg string, fields map[string]any)
	Info(msg string, fields map[string]any)
	Warn(msg string, fields map[string]any)
	Error(msg string, fields map[string]any)
}

type NoopLogger struct{}

func (NoopLogger) Debug(string, map[string]any) {}
func (NoopLogger) Info(string, map[string]any)  {}
func (NoopLogger) Warn(string, map[string]any)  {}
func (NoopLogger) Error(string, map[string]any) {}

// With returns a Logger that adds base to every entry. Per-call fields win
// on key collisions.
func With(l Logger, base map[string]any) Logger {
	if len(base) == 0 {
		return l
	}
	return &withFields{next: l, base: base}
}

type withFields struct {
	next Logger
	base map[string]any
}

func (w *withFields) merge(fields map[string]any) map[string]any {
	out := make(map[string]any, len(w.base)+len(fields))
	for k, v := range w.base {
		out[k] = v
	}
	for k, v := range fields {
		out[k] = v
	}
	return out
}

func (w *withFields) Debug(msg string, f map[string]any) { w.next.Debug(msg, w.merge(f)) }
func (w *withFields) Info(msg string, f map[string]any)  { w.next.Info(msg, w.merge(f)) }
func (w *withFields) Warn(msg string, f map[string]any)  { w.next.Warn(msg, w.merge(f)) }
func (w *withFields) Error(msg string, f map[string]any) { w.next.Error(msg, w.merge(f)) }
