package handlers

import (
	"strings"
	"testing"
)

func TestBuildContentDisposition(t *testing.T) {
	got := buildContentDisposition("report.pdf")
	if got != `attachment; filename="report.pdf"` {
		t.Fatalf("ascii name: %q", got)
	}
	if strings.Contains(got, "filename*") {
		t.Fatalf("ascii name should not carry the encoded form: %q", got)
	}

	got = buildContentDisposition("技术文档.pdf")
	if !strings.Contains(got, "filename*=UTF-8''") {
		t.Fatalf("non-ascii name missing encoded form: %q", got)
	}
	if !strings.Contains(got, `filename=".pdf"`) && !strings.Contains(got, `filename="`) {
		t.Fatalf("non-ascii name missing ascii fallback: %q", got)
	}

	got = buildContentDisposition("密码学")
	if !strings.Contains(got, `filename="document"`) {
		t.Fatalf("fully non-ascii name should fall back to a placeholder: %q", got)
	}
}
