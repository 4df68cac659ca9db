package main

import (
	"bytes"
	"os"
	"testing"

	"github.com/nepenth/kb-pipeline/internal/validator"
)

func TestEnvOr(t *testing.T) {
	t.Setenv("TEST_VALIDATE_ENV_VAR", "custom")
	if v := envOr("TEST_VALIDATE_ENV_VAR", "default"); v != "custom" {
		t.Fatalf("expected custom, got %s", v)
	}
	if v := envOr("TEST_VALIDATE_ENV_VAR_MISSING", "fallback"); v != "fallback" {
		t.Fatalf("expected fallback, got %s", v)
	}
}

func TestPrintReport(t *testing.T) {
	report := validator.Report{
		Status:      validator.StatusGood,
		TotalChecks: 2,
		Passed:      1,
		Checks: []validator.CheckResult{
			{Name: "orphaned_media", IsValid: true},
			{Name: "duplicate_items", IsValid: false, IssueCount: 3, FixesApplied: 1},
		},
	}

	old := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	os.Stdout = w
	printReport(report)
	w.Close()
	os.Stdout = old

	var buf bytes.Buffer
	buf.ReadFrom(r)
	out := buf.String()

	if !bytes.Contains(buf.Bytes(), []byte("GOOD")) {
		t.Fatalf("expected status GOOD in output, got %q", out)
	}
	if !bytes.Contains(buf.Bytes(), []byte("FAIL")) {
		t.Fatalf("expected FAIL marker in output, got %q", out)
	}
	if !bytes.Contains(buf.Bytes(), []byte("1/2 checks passed")) {
		t.Fatalf("expected passed summary line, got %q", out)
	}
}
