package kernel

// Error describes a kernel error. All kernel errors must be defined as global
// variables that are pointers to the Error structure. This requirement stems
// from the fact that the Go allocator is not available to us so we cannot use
// errors.New.
//
// Errors are compared by identity; callers test for a specific failure with
// err == pkg.ErrSomething.
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// String returns the error prefixed with the module that raised it. It
// allocates, so kernel code should print Module and Message via kfmt instead.
func (e *Error) String() string {
	if e == nil {
		return "<nil>"
	}
	return "[" + e.Module + "] " + e.Message
}
