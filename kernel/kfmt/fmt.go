// Package kfmt implements allocation-free formatted output and the kernel's
// structured diagnostic records. Everything in this package may be used
// before the memory subsystems are initialized and from interrupt context.
package kfmt

import (
	"io"
	"unsafe"
)

const (
	// maxBufSize defines the buffer size for formatting numbers.
	maxBufSize = 32

	// lineBufSize is the size of the staging buffer that collects
	// formatted output before handing it to the writer.
	lineBufSize = 128
)

var (
	errMissingArg   = []byte("(MISSING)")
	errWrongArgType = []byte("%!(WRONGTYPE)")
	errNoVerb       = []byte("%!(NOVERB)")
	errExtraArg     = []byte("%!(EXTRA)")
	trueValue       = []byte("true")
	falseValue      = []byte("false")
	hexDigits       = "0123456789abcdef"

	// earlyPrintBuffer is a ring buffer that stores Printf output before an
	// output sink is attached.
	earlyPrintBuffer ringBuffer

	// outputSink is a io.Writer where Printf will send its output. If set
	// to nil, then the output will be redirected to the earlyPrintBuffer.
	outputSink io.Writer

	// out holds the formatting state shared by all Printf/Fprintf calls.
	out printer
)

// SetOutputSink sets the default target for calls to Printf to w and copies
// any data accumulated in the earlyPrintBuffer to it.
func SetOutputSink(w io.Writer) {
	outputSink = w
	if w != nil {
		io.Copy(w, &earlyPrintBuffer)
	}
}

// GetOutputSink returns the current target for calls to Printf. A nil value
// means that output is being buffered.
func GetOutputSink() io.Writer {
	return outputSink
}

// Printf provides a minimal Printf implementation that can be safely used
// before the memory allocators have been initialized. This implementation
// does not allocate any memory.
//
// The following subset of formatting verbs is supported:
//
//	%s the uninterpreted bytes of a string or byte slice
//	%c a single byte
//	%o base 8
//	%d base 10
//	%x base 16, with lower-case letters for a-f
//	%t "true" or "false"
//
// Width is specified by an optional decimal number immediately preceding the
// verb. Strings and base-10 integers are left-padded with spaces; base-8 and
// base-16 integers are left-padded with zeroes.
//
// Pointers (%p) are not supported as that would require importing reflect
// which makes the compiler generate allocating interface conversions for the
// argument slice.
//
// Output is written to the sink registered via SetOutputSink or, if none is
// registered, buffered in a ring buffer which gets flushed to the first sink
// that is attached.
func Printf(format string, args ...interface{}) {
	Fprintf(outputSink, format, args...)
}

// Fprintf behaves exactly like Printf but it writes the formatted output to
// the specified io.Writer.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	p := &out
	prevWriter := p.w
	if p.n != 0 {
		// Fprintf interrupted another Fprintf call; emit what the outer
		// call has staged so far so output is not interleaved mid-buffer.
		p.flush()
	}

	p.w = w
	p.doPrintf(format, args)
	p.flush()
	p.w = prevWriter
}

// printer stages formatted output in a fixed buffer.
type printer struct {
	w   io.Writer
	buf [lineBufSize]byte
	n   int
	num [maxBufSize]byte
}

func (p *printer) doPrintf(format string, args []interface{}) {
	var (
		argIndex int
		width    int
	)

	for i := 0; i < len(format); i++ {
		ch := format[i]
		if ch != '%' {
			p.writeByte(ch)
			continue
		}

		width = 0
		for i++; i < len(format) && format[i] >= '0' && format[i] <= '9'; i++ {
			width = width*10 + int(format[i]-'0')
		}

		if i == len(format) {
			p.write(errNoVerb)
			break
		}

		verb := format[i]
		if verb == '%' {
			p.writeByte('%')
			continue
		}

		switch verb {
		case 'o', 'd', 'x', 's', 'c', 't':
		default:
			p.write(errNoVerb)
			continue
		}

		if argIndex >= len(args) {
			p.write(errMissingArg)
			continue
		}

		switch verb {
		case 'o':
			p.fmtInt(args[argIndex], 8, width)
		case 'd':
			p.fmtInt(args[argIndex], 10, width)
		case 'x':
			p.fmtInt(args[argIndex], 16, width)
		case 's':
			p.fmtString(args[argIndex], width)
		case 'c':
			p.fmtChar(args[argIndex])
		case 't':
			p.fmtBool(args[argIndex])
		}
		argIndex++
	}

	for ; argIndex < len(args); argIndex++ {
		p.write(errExtraArg)
	}
}

func (p *printer) fmtBool(v interface{}) {
	bVal, ok := v.(bool)
	switch {
	case !ok:
		p.write(errWrongArgType)
	case bVal:
		p.write(trueValue)
	default:
		p.write(falseValue)
	}
}

func (p *printer) fmtChar(v interface{}) {
	switch ch := v.(type) {
	case byte:
		p.writeByte(ch)
	case rune:
		p.writeByte(byte(ch))
	default:
		p.write(errWrongArgType)
	}
}

func (p *printer) fmtString(v interface{}, width int) {
	switch castedVal := v.(type) {
	case string:
		p.repeat(' ', width-len(castedVal))
		for i := 0; i < len(castedVal); i++ {
			p.writeByte(castedVal[i])
		}
	case []byte:
		p.repeat(' ', width-len(castedVal))
		p.write(castedVal)
	default:
		p.write(errWrongArgType)
	}
}

// fmtInt prints v in the requested base applying the requested width. All
// built-in integer types are supported.
func (p *printer) fmtInt(v interface{}, base uint64, width int) {
	var (
		uval uint64
		neg  bool
	)

	switch t := v.(type) {
	case uint8:
		uval = uint64(t)
	case uint16:
		uval = uint64(t)
	case uint32:
		uval = uint64(t)
	case uint64:
		uval = t
	case uint:
		uval = uint64(t)
	case uintptr:
		uval = uint64(t)
	case int8:
		uval, neg = abs(int64(t))
	case int16:
		uval, neg = abs(int64(t))
	case int32:
		uval, neg = abs(int64(t))
	case int64:
		uval, neg = abs(t)
	case int:
		uval, neg = abs(int64(t))
	default:
		p.write(errWrongArgType)
		return
	}

	if width >= maxBufSize {
		width = maxBufSize - 1
	}

	// digits are generated right to left
	end := len(p.num)
	start := end
	for {
		start--
		p.num[start] = hexDigits[uval%base]
		uval /= base
		if uval == 0 {
			break
		}
	}

	digits := end - start
	if base == 10 {
		if neg {
			digits++
		}
		p.repeat(' ', width-digits)
		if neg {
			p.writeByte('-')
		}
	} else {
		if neg {
			p.writeByte('-')
		}
		p.repeat('0', width-digits)
	}

	p.write(p.num[start:end])
}

func abs(v int64) (uint64, bool) {
	if v < 0 {
		return uint64(-v), true
	}
	return uint64(v), false
}

func (p *printer) repeat(ch byte, count int) {
	for ; count > 0; count-- {
		p.writeByte(ch)
	}
}

func (p *printer) write(b []byte) {
	for _, ch := range b {
		p.writeByte(ch)
	}
}

func (p *printer) writeByte(ch byte) {
	if p.n == len(p.buf) {
		p.flush()
	}
	p.buf[p.n] = ch
	p.n++
}

func (p *printer) flush() {
	if p.n == 0 {
		return
	}
	doWrite(p.w, p.buf[:p.n])
	p.n = 0
}

// doWrite is a proxy that uses the runtime.noescape hack to hide p from the
// compiler's escape analysis. Without this hack, the compiler cannot properly
// detect that p does not escape (due to the call to the yet unknown outputSink
// io.Writer) and plays it safe by flagging it as escaping.
func doWrite(w io.Writer, p []byte) {
	doRealWrite(w, noEscape(unsafe.Pointer(&p)))
}

func doRealWrite(w io.Writer, bufPtr unsafe.Pointer) {
	p := *(*[]byte)(bufPtr)
	if w != nil {
		w.Write(p)
	} else {
		earlyPrintBuffer.Write(p)
	}
}

// noEscape hides a pointer from escape analysis. This function is copied over
// from runtime/stubs.go
//
//go:nosplit
func noEscape(p unsafe.Pointer) unsafe.Pointer {
	x := uintptr(p)
	return unsafe.Pointer(x ^ 0)
}
