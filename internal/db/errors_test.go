package db

import (
	"context"
	"errors"
	"testing"
)

func TestWrap(t *testing.T) {
	if Wrap("session.get", nil) != nil {
		t.Fatal("Wrap(nil) should return nil")
	}

	err := Wrap("session.get", context.DeadlineExceeded)
	if !errors.Is(err, ErrStorage) {
		t.Error("wrapped error should match ErrStorage")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Error("wrapped error should keep the driver error")
	}
	var se *StorageError
	if !errors.As(err, &se) || se.Op != "session.get" {
		t.Errorf("errors.As StorageError = %+v", se)
	}
	if err.Error() != "storage: session.get: context deadline exceeded" {
		t.Errorf("Error() = %q", err.Error())
	}
}
