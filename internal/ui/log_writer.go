package ui

// LogWriter is an io.Writer that forwards each write to a channel for the
// dashboard log pane. A full channel drops the line; the log file still has it.
type LogWriter struct {
	ch chan<- string
}

func NewLogWriter(ch chan<- string) *LogWriter {
	if ch == nil {
		panic("LogWriter: channel cannot be nil")
	}
	return &LogWriter{ch: ch}
}

func (w *LogWriter) Write(p []byte) (int, error) {
	select {
	case w.ch <- string(p):
	default:
	}
	return len(p), nil
}
