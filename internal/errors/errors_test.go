package errors

import (
	stdErrors "errors"
	"fmt"
	"log/slog"
	"testing"
)

func TestWrapKeepsCodeThroughChain(t *testing.T) {
	root := stdErrors.New("connection reset")
	wrapped := Wrap(CodeStorageFailure, root, "写入失败", WithJobID("job_1"))
	outer := fmt.Errorf("handler: %w", wrapped)

	if CodeOf(outer) != CodeStorageFailure {
		t.Fatalf("CodeOf = %s, want %s", CodeOf(outer), CodeStorageFailure)
	}
	if !IsCode(outer, CodeStorageFailure) || IsCode(outer, CodeNotFound) {
		t.Fatal("IsCode must follow the wrap chain and match only the wrapped code")
	}
	if !stdErrors.Is(outer, root) {
		t.Fatal("errors.Is must reach the root cause")
	}
	if !stdErrors.Is(outer, New(CodeStorageFailure, "other message")) {
		t.Fatal("errors.Is must match by code")
	}

	var target *Error
	if !stdErrors.As(outer, &target) || target.Message() != "写入失败" {
		t.Fatalf("errors.As returned %+v", target)
	}
	if got := target.Metadata()["job_id"]; got != "job_1" {
		t.Fatalf("metadata job_id = %q", got)
	}
}

func TestNestedCodesResolveOutermost(t *testing.T) {
	inner := New(CodeNotFound, "")
	outer := Wrap(CodeUpstreamFailure, inner, "查询失败")
	if CodeOf(outer) != CodeUpstreamFailure {
		t.Fatalf("CodeOf = %s", CodeOf(outer))
	}
	if !IsCode(outer, CodeNotFound) {
		t.Fatal("inner code must still be visible to IsCode")
	}
	if inner.Message() != "resource not found" {
		t.Fatalf("empty message must fall back to the registered one, got %q", inner.Message())
	}
}

func TestPlainErrorsAreUnknown(t *testing.T) {
	err := stdErrors.New("boom")
	if CodeOf(err) != CodeUnknown || CodeOf(nil) != CodeUnknown {
		t.Fatal("plain errors must map to UNKNOWN")
	}
	if RetryableError(err) || ShouldAlert(err) {
		t.Fatal("plain errors carry no retry or alert attributes")
	}
	if SeverityOf(err) != SeverityCritical || LevelOf(err) != slog.LevelError {
		t.Fatalf("plain errors must be treated as critical, got %s", SeverityOf(err))
	}
}

func TestRegisteredAttributesDriveSeverity(t *testing.T) {
	const code Code = "TEST_RATE_LIMITED"
	Register(code, Attributes{Message: "rate limited", Severity: SeverityWarning, Retryable: true, Alert: true})

	err := fmt.Errorf("call: %w", New(code, ""))
	if !RetryableError(err) || !ShouldAlert(err) {
		t.Fatal("registered attributes must apply through wrapping")
	}
	if SeverityOf(err) != SeverityWarning || LevelOf(err) != slog.LevelWarn {
		t.Fatalf("unexpected severity %s", SeverityOf(err))
	}
	if LevelOf(New(CodeInvalidArgument, "")) != slog.LevelInfo {
		t.Fatal("info severity must log at info level")
	}
	if attr := AttributesOf("NEVER_REGISTERED"); attr.Severity != SeverityCritical {
		t.Fatalf("unregistered codes must fall back to UNKNOWN, got %+v", attr)
	}
}
