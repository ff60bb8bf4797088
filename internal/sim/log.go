package sim

import (
	"fmt"
	"io"

	"github.com/hyyking/kernel/kernel/kfmt"
)

// LogSink renders kernel diagnostic records as text lines. Emit runs on the
// host, so unlike sinks in the kernel image it may allocate.
type LogSink struct {
	w io.Writer

	// Tick, when set, stamps every record with the current tick.
	Tick func() uint64
}

var _ kfmt.Sink = (*LogSink)(nil)

// NewLogSink returns a sink that writes to w.
func NewLogSink(w io.Writer) *LogSink {
	return &LogSink{w: w}
}

// Emit implements kfmt.Sink.
func (s *LogSink) Emit(rec *kfmt.Record) {
	if s.Tick != nil {
		fmt.Fprintf(s.w, "%6d %-5s [%s] %s\n", s.Tick(), rec.Level, rec.Module, rec.Message)
		return
	}
	fmt.Fprintf(s.w, "%-5s [%s] %s\n", rec.Level, rec.Module, rec.Message)
}
