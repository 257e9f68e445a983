package errors_test

import (
	"errors"
	"fmt"
	"testing"

	berr "gsus/errors"
)

func TestCodeAndVars(t *testing.T) {
	e := berr.Code(berr.ErrCodeFormat)
	if e.Error() != berr.ErrCodeFormat {
		t.Fatalf("unexpected error string: %s", e.Error())
	}

	tests := []struct {
		err  error
		code string
	}{
		{berr.ErrUnknownMethod, berr.ErrCodeUnknownMethod},
		{berr.ErrArgumentMismatch, berr.ErrCodeArgumentMismatch},
		{berr.ErrFailed, berr.ErrCodeFailed},
		{berr.ErrRateLimited, berr.ErrCodeRateLimited},
		{berr.ErrFormat, berr.ErrCodeFormat},
		{berr.ErrTransport, berr.ErrCodeTransport},
		{berr.ErrPeerGone, berr.ErrCodePeerGone},
		{berr.ErrNameTaken, berr.ErrCodeNameTaken},
		{berr.ErrDuplicateMethod, berr.ErrCodeDuplicateMethod},
		{berr.ErrRegistrySealed, berr.ErrCodeRegistrySealed},
		{berr.ErrConfig, berr.ErrCodeConfig},
	}

	for _, tc := range tests {
		if !errors.Is(tc.err, berr.Code(tc.code)) {
			t.Fatalf("expected %s to be %s", tc.err, tc.code)
		}
	}
}

func TestWrappedCodeIsMatched(t *testing.T) {
	err := fmt.Errorf("register Echo: %w", berr.ErrDuplicateMethod)
	if !errors.Is(err, berr.ErrDuplicateMethod) {
		t.Fatalf("wrapped error lost its code: %v", err)
	}

	var coder interface{ Code() string }
	if !errors.As(err, &coder) || coder.Code() != berr.ErrCodeDuplicateMethod {
		t.Fatalf("expected code %q to be extractable", berr.ErrCodeDuplicateMethod)
	}
}
