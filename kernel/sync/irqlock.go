package sync

// InterruptFlag abstracts the processor's interrupt-enable flag.
type InterruptFlag interface {
	// SaveAndDisable masks interrupts and reports whether they were
	// enabled before the call.
	SaveAndDisable() bool

	// Restore unmasks interrupts if enabled is true.
	Restore(enabled bool)
}

// SoftFlag is an InterruptFlag that only tracks state. It is the default
// flag until the kernel installs the processor flag and backs hosted
// builds.
type SoftFlag struct {
	disabled bool
}

// SaveAndDisable implements InterruptFlag.
func (f *SoftFlag) SaveAndDisable() bool {
	prev := !f.disabled
	f.disabled = true
	return prev
}

// Restore implements InterruptFlag.
func (f *SoftFlag) Restore(enabled bool) {
	if enabled {
		f.disabled = false
	}
}

// Enabled reports whether interrupts are currently enabled.
func (f *SoftFlag) Enabled() bool {
	return !f.disabled
}

// SetEnabled forces the flag to the given state, like STI/CLI.
func (f *SoftFlag) SetEnabled(enabled bool) {
	f.disabled = !enabled
}

var (
	defaultFlag SoftFlag
	activeFlag  InterruptFlag = &defaultFlag
)

// SetInterruptFlag installs f as the flag manipulated by IRQLock and returns
// the previously installed one. Passing nil restores the default SoftFlag.
func SetInterruptFlag(f InterruptFlag) InterruptFlag {
	prev := activeFlag
	if f == nil {
		f = &defaultFlag
	}
	activeFlag = f
	return prev
}

// IRQLock guards state that is shared with interrupt handlers. Acquiring it
// masks interrupts before taking the underlying spinlock, so an interrupt
// handler can never spin on a lock held by the code it interrupted. The
// lock may be re-acquired by its holder; interrupts are restored when the
// outermost Release runs.
//
// On a single core masking interrupts is sufficient on its own; the
// spinlock keeps the discipline correct once more cores are brought up.
type IRQLock struct {
	spin  Spinlock
	depth uint32

	// restoreIF holds the interrupt state saved by the outermost Acquire.
	restoreIF bool
}

// Acquire masks interrupts and takes the lock.
func (l *IRQLock) Acquire() {
	enabled := activeFlag.SaveAndDisable()
	if l.depth != 0 {
		l.depth++
		return
	}

	l.spin.Acquire()
	l.depth = 1
	l.restoreIF = enabled
}

// Release drops one level of ownership. The outermost Release frees the
// lock and restores the interrupt state observed by the matching Acquire.
// Calling Release on a free lock has no effect.
func (l *IRQLock) Release() {
	if l.depth == 0 {
		return
	}

	if l.depth--; l.depth != 0 {
		return
	}

	restoreIF := l.restoreIF
	l.spin.Release()
	activeFlag.Restore(restoreIF)
}

// Held returns true if the lock is currently held.
func (l *IRQLock) Held() bool {
	return l.depth != 0
}
