package rlerrors

import (
	"errors"
	"testing"
)

func TestClassifyKindEachType(t *testing.T) {
	cases := []struct {
		err  error
		want Kind
	}{
		{&ValidationError{Field: "namespace", Reason: "reserved"}, KindValidation},
		{&NotFoundError{Kind_: "entity", ID: "e1"}, KindNotFound},
		{&ConflictError{Resource: "entity/e1"}, KindConflict},
		{&InfrastructureError{Op: "acquire", Cause: errors.New("timeout")}, KindInfrastructure},
		{&VersionMismatchError{ClientVersion: 2, StoredVersion: 1}, KindVersionMismatch},
		{&StackCreationError{Stage: "deploy", Cause: errors.New("boom")}, KindStackCreation},
	}
	for _, c := range cases {
		if got := ClassifyKind(c.err); got != c.want {
			t.Errorf("ClassifyKind(%T) = %q, want %q", c.err, got, c.want)
		}
	}
}

func TestClassifyKindNilAndUnknown(t *testing.T) {
	if got := ClassifyKind(nil); got != "" {
		t.Errorf("ClassifyKind(nil) = %q, want empty", got)
	}
	if got := ClassifyKind(errors.New("plain")); got != "unknown" {
		t.Errorf("ClassifyKind(plain) = %q, want unknown", got)
	}
}

func TestConflictErrorUnwraps(t *testing.T) {
	cause := errors.New("ConditionalCheckFailed")
	err := &ConflictError{Resource: "bucket/rpm", Cause: cause}
	if !errors.Is(err, cause) {
		t.Errorf("errors.Is should find wrapped cause")
	}
}

func TestInfrastructureErrorUnwraps(t *testing.T) {
	cause := errors.New("throttled")
	err := &InfrastructureError{Op: "putItem", Cause: cause}
	if !errors.Is(err, cause) {
		t.Errorf("errors.Is should find wrapped cause")
	}
}
