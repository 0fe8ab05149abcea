package serviceerror

import (
	"errors"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestErrorCarriesCodeAndCause(t *testing.T) {
	cause := errors.New("disk full")
	err := New("devices.register", "upsert_failed", cause)

	var coded *Error
	if !errors.As(err, &coded) {
		t.Fatalf("expected *Error, got %T", err)
	}
	if coded.Code() != "devices.register.upsert_failed" {
		t.Fatalf("unexpected code %q", coded.Code())
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected cause to unwrap")
	}
	if err.Error() != "devices.register.upsert_failed: disk full" {
		t.Fatalf("unexpected message %q", err.Error())
	}
	if New("statusgate.new", "missing_database", nil).Error() != "statusgate.new.missing_database" {
		t.Fatalf("expected bare code without cause")
	}
}

func TestLogWritesOperationAndReason(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	Log(zap.New(core), "device registry error", "devices.register", "upsert_failed", errors.New("boom"), zap.String("user_id", "user-a"))
	Log(nil, "ignored", "op", "reason", nil)

	entries := logs.FilterMessage("device registry error").All()
	if len(entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["operation"] != "devices.register" || fields["reason"] != "upsert_failed" || fields["user_id"] != "user-a" {
		t.Fatalf("unexpected fields %v", fields)
	}
	if _, ok := fields["error"]; !ok {
		t.Fatalf("expected error field")
	}
}
