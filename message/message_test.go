package message

import (
	"errors"
	"testing"

	berr "gsus/errors"
)

func TestFaultMatchesCodedError(t *testing.T) {
	f := NewFault(berr.ErrCodeUnknownMethod, "no method %q", "Nope")

	var err error = f
	if !errors.Is(err, berr.ErrUnknownMethod) {
		t.Fatalf("fault %v should match %s", f, berr.ErrCodeUnknownMethod)
	}
	if errors.Is(err, berr.ErrArgumentMismatch) {
		t.Fatalf("fault %v should not match %s", f, berr.ErrCodeArgumentMismatch)
	}
	if f.Error() != `org.freedesktop.DBus.Error.UnknownMethod: no method "Nope"` {
		t.Fatalf("unexpected fault text: %s", f.Error())
	}
}

func TestReplyIsFault(t *testing.T) {
	if (&Reply{Body: []byte{1, 's'}}).IsFault() {
		t.Fatal("success reply reported as fault")
	}
	if !FaultReply(&Fault{Name: berr.ErrCodeFailed}).IsFault() {
		t.Fatal("fault reply not reported as fault")
	}
}

func TestTypeString(t *testing.T) {
	if TypeSignal.String() != "signal" {
		t.Fatalf("got %s", TypeSignal)
	}
	if Type(9).String() != "type(9)" {
		t.Fatalf("got %s", Type(9))
	}
}
