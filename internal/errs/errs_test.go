package errs

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf_Wrapped(t *testing.T) {
	err := fmt.Errorf("syncing: %w", Network(errors.New("connection refused"), "GET state"))
	if got := KindOf(err); got != KindNetwork {
		t.Errorf("KindOf = %q, want %q", got, KindNetwork)
	}
	if !Is(err, KindNetwork) {
		t.Error("Is(network) = false, want true")
	}
}

func TestKindOf_Untyped(t *testing.T) {
	if got := KindOf(errors.New("boom")); got != "" {
		t.Errorf("KindOf = %q, want empty", got)
	}
}

func TestRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"network", Network(nil, "x"), true},
		{"validation", Validation("bad shape"), true},
		{"invalid code", InvalidCode("abc123"), false},
		{"not found", NotFound("survey %s", "s1"), false},
		{"untyped", errors.New("eof"), true},
	}
	for _, tc := range cases {
		if got := Retryable(tc.err); got != tc.want {
			t.Errorf("%s: Retryable = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestErrorMessage(t *testing.T) {
	err := InvalidCode("abc123")
	want := `invalid_code: no action class with key "abc123"`
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}
