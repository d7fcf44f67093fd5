package xerrors

import (
	"errors"
	"runtime"
	"strings"
	"testing"
)

var errSentinel = errors.New("sentinel")

// stackContains checks if any frame in PCs contains the given function name substring.
func stackContains(pcs []uintptr, substr string) bool {
	frames := runtime.CallersFrames(pcs)
	for {
		fr, more := frames.Next()
		if strings.Contains(fr.Function, substr) {
			return true
		}
		if !more {
			break
		}
	}
	return false
}

// New / Newf

func TestNew_ErrorMessage(t *testing.T) {
	err := New("window store full")
	if err.Error() != "window store full" {
		t.Fatalf("Error() = %q", err.Error())
	}
}

func TestNew_StackContainsCaller(t *testing.T) {
	err := New("test")

	var hs interface{ StackPCs() []uintptr }
	if !errors.As(err, &hs) {
		t.Fatal("New error should have StackPCs")
	}
	if !stackContains(hs.StackPCs(), "TestNew_StackContainsCaller") {
		t.Fatal("stack should contain calling function")
	}
}

func TestNewf_FormatsMessage(t *testing.T) {
	err := Newf("invalid max requests %d for tier %s", -1, "user")
	want := "invalid max requests -1 for tier user"
	if err.Error() != want {
		t.Fatalf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestNew_IsXerrorsWrapper(t *testing.T) {
	err := New("test")

	var marker interface{ IsXerrorsWrapper() }
	if !errors.As(err, &marker) {
		t.Fatal("New error should implement IsXerrorsWrapper")
	}
}

// WithStack

func TestWithStack_NilReturnsNil(t *testing.T) {
	if WithStack(nil) != nil {
		t.Fatal("WithStack(nil) should return nil")
	}
}

func TestWithStack_PreservesMessageAndUnwraps(t *testing.T) {
	base := errors.New("original message")
	err := WithStack(base)

	if err.Error() != "original message" {
		t.Fatalf("Error() = %q", err.Error())
	}
	if !errors.Is(err, base) {
		t.Fatal("should unwrap to base error")
	}

	var hs interface{ StackPCs() []uintptr }
	if !errors.As(err, &hs) || len(hs.StackPCs()) == 0 {
		t.Fatal("should have non-empty stack")
	}
}

// Wrap / Wrapf

func TestWrap_NilReturnsNil(t *testing.T) {
	if Wrap(nil, "context") != nil {
		t.Fatal("Wrap(nil) should return nil")
	}
}

func TestWrap_ErrorMessage(t *testing.T) {
	base := errors.New("parameter not found")
	err := Wrap(base, "load policy overrides")

	want := "load policy overrides: parameter not found"
	if err.Error() != want {
		t.Fatalf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestWrap_Unwraps(t *testing.T) {
	err := Wrap(errSentinel, "context")

	if !errors.Is(err, errSentinel) {
		t.Fatal("should unwrap to sentinel")
	}
}

func TestWrap_HasPC(t *testing.T) {
	err := Wrap(errSentinel, "context")

	var hp interface{ PC() uintptr }
	if !errors.As(err, &hp) {
		t.Fatal("Wrap should capture PC")
	}
	if hp.PC() == 0 {
		t.Fatal("PC should be non-zero")
	}
}

func TestWrapf_NilReturnsNil(t *testing.T) {
	if Wrapf(nil, "context %d", 1) != nil {
		t.Fatal("Wrapf(nil) should return nil")
	}
}

func TestWrapf_FormatsMessage(t *testing.T) {
	base := errors.New("timeout")
	err := Wrapf(base, "fetch history for %s after %dms", "u-1", 2000)

	want := "fetch history for u-1 after 2000ms: timeout"
	if err.Error() != want {
		t.Fatalf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestWrapf_Unwraps(t *testing.T) {
	err := Wrapf(errSentinel, "step %d", 3)

	if !errors.Is(err, errSentinel) {
		t.Fatal("should unwrap to sentinel")
	}
}

// EnsureTrace

func TestEnsureTrace_NilReturnsNil(t *testing.T) {
	if EnsureTrace(nil) != nil {
		t.Fatal("EnsureTrace(nil) should return nil")
	}
}

func TestEnsureTrace_AddsStackToPlainError(t *testing.T) {
	base := errors.New("plain")
	err := EnsureTrace(base)

	var hs interface{ StackPCs() []uintptr }
	if !errors.As(err, &hs) {
		t.Fatal("should add stack to plain error")
	}
	if len(hs.StackPCs()) == 0 {
		t.Fatal("stack should be non-empty")
	}
}

func TestEnsureTrace_Idempotent(t *testing.T) {
	first := New("already traced")
	second := EnsureTrace(first)

	if first != second { //nolint:errorlint // testing error identity
		t.Fatal("EnsureTrace should return same error if already stacked")
	}
}

func TestEnsureTrace_PreservesUnwrap(t *testing.T) {
	err := EnsureTrace(errSentinel)

	if !errors.Is(err, errSentinel) {
		t.Fatal("should still unwrap to sentinel")
	}
}

func TestEnsureTrace_WrappedErrorGetsStack(t *testing.T) {
	// Wrap adds PC but not StackPCs - EnsureTrace should add a full stack
	base := errors.New("root")
	wrapped := Wrap(base, "ctx")

	traced := EnsureTrace(wrapped)

	var hs interface{ StackPCs() []uintptr }
	if !errors.As(traced, &hs) {
		t.Fatal("should have stack after EnsureTrace on wrapped error")
	}
}

// Chained wrapping

func TestChainedWrap_UnwrapsAll(t *testing.T) {
	base := errors.New("root cause")
	w1 := Wrap(base, "evaluate tier")
	w2 := Wrap(w1, "admission check")
	w3 := Wrapf(w2, "request %d", 3)

	if !errors.Is(w3, base) {
		t.Fatal("should unwrap through full chain")
	}
}

func TestChainedWrap_ErrorMessage(t *testing.T) {
	base := errors.New("eof")
	w1 := Wrap(base, "decode overrides")
	w2 := Wrap(w1, "load policy")

	want := "load policy: decode overrides: eof"
	if w2.Error() != want {
		t.Fatalf("Error() = %q, want %q", w2.Error(), want)
	}
}

func TestChainedWrap_MultiplePCs(t *testing.T) {
	base := errors.New("root")
	w1 := Wrap(base, "l1")
	w2 := Wrap(w1, "l2")

	pc2 := w2.(*wrap).PC() //nolint:errorlint // testing internal wrap type directly
	pc1 := w1.(*wrap).PC() //nolint:errorlint // testing internal wrap type directly

	if pc1 == 0 || pc2 == 0 {
		t.Fatal("both wraps should have non-zero PCs")
	}
	if pc1 == pc2 {
		t.Fatal("PCs from different call sites should differ")
	}
}
