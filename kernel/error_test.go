package kernel

import "testing"

func TestKernelError(t *testing.T) {
	err := &Error{
		Module:  "foo",
		Message: "error message",
	}

	if err.Error() != err.Message {
		t.Fatalf("expected to err.Error() to return %q; got %q", err.Message, err.Error())
	}

	if exp, got := "[foo] error message", err.String(); got != exp {
		t.Fatalf("expected err.String() to return %q; got %q", exp, got)
	}

	var nilErr *Error
	if exp, got := "<nil>", nilErr.String(); got != exp {
		t.Fatalf("expected nil error to render as %q; got %q", exp, got)
	}
}
