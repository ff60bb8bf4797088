package kfmt

// Level describes the severity of a diagnostic record.
type Level uint8

// Supported levels, from most to least severe.
const (
	LevelError Level = iota
	LevelWarn
	LevelInfo
	LevelDebug
	LevelTrace
)

var levelNames = [...]string{"error", "warn", "info", "debug", "trace"}

// String returns the lower-case name of the level.
func (l Level) String() string {
	if int(l) < len(levelNames) {
		return levelNames[l]
	}
	return "unknown"
}

// Record is a structured diagnostic record. Message aliases an internal
// buffer and is only valid until Emit returns.
type Record struct {
	// Seq increases by one for every record that reaches a sink.
	Seq uint64

	Level  Level
	Module string

	Message []byte
}

// Sink receives diagnostic records. Emit is invoked from arbitrary contexts,
// including interrupt handlers, so implementations must not block, allocate
// from the kernel heap or panic.
type Sink interface {
	Emit(rec *Record)
}

// maxMessageLen bounds the formatted message of a record; longer messages
// are truncated.
const maxMessageLen = 256

// messageBuffer is an io.Writer over a fixed array that silently truncates.
type messageBuffer struct {
	buf [maxMessageLen]byte
	n   int
}

func (b *messageBuffer) Write(p []byte) (int, error) {
	b.n += copy(b.buf[b.n:], p)
	return len(p), nil
}

var (
	logSink  Sink
	logLevel = LevelInfo

	// logBusy is set while a record is being built. A record requested
	// while another is in flight (an interrupt firing mid-Logf) is dropped
	// rather than corrupting the shared buffers.
	logBusy    bool
	logDropped uint64
	logSeq     uint64
	logRecord  Record
	logMessage messageBuffer
)

// SetLogSink registers the sink for diagnostic records and returns the
// previously registered one. With no sink, records are rendered through
// Printf.
func SetLogSink(s Sink) Sink {
	prev := logSink
	logSink = s
	return prev
}

// SetLogLevel discards records less severe than l.
func SetLogLevel(l Level) {
	logLevel = l
}

// DroppedRecords returns the number of records discarded because they were
// emitted while another record was being built.
func DroppedRecords() uint64 {
	return logDropped
}

// Logf formats a diagnostic record for module and hands it to the active
// sink. It never allocates and never panics.
func Logf(level Level, module string, format string, args ...interface{}) {
	if level > logLevel {
		return
	}

	if logBusy {
		logDropped++
		return
	}
	logBusy = true

	logMessage.n = 0
	Fprintf(&logMessage, format, args...)

	logSeq++
	logRecord.Seq = logSeq
	logRecord.Level = level
	logRecord.Module = module
	logRecord.Message = logMessage.buf[:logMessage.n]

	if logSink != nil {
		logSink.Emit(&logRecord)
	} else {
		Printf("[%s] %s: %s\n", module, level.String(), logRecord.Message)
	}

	logRecord.Message = nil
	logBusy = false
}
