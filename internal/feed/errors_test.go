package feed

import (
	"errors"
	"testing"
)

func TestRejectionErrorMatchesOnlyErrRejected(t *testing.T) {
	err := rejectionError("request_session", 12)
	if !errors.Is(err, ErrRejected) {
		t.Fatal("rejection does not match ErrRejected")
	}
	if errors.Is(err, ErrSubscribeFailed) {
		t.Fatal("a generic rejection must not read as a subscribe failure")
	}
}
