package setup_test

import (
	"testing"
	"time"

	"github.com/ecmwf/open-ecpds-sub002/internal/setup"
)

func TestParseDestinationOptionsDefaults(t *testing.T) {
	opts, err := setup.ParseDestinationOptions("")
	if err != nil {
		t.Fatalf("empty document: %v", err)
	}
	if opts.DateFormat != setup.DefaultDateFormat {
		t.Errorf("DateFormat = %q, want %q", opts.DateFormat, setup.DefaultDateFormat)
	}
	if opts.IsTemporary("anything.tmp") {
		t.Error("IsTemporary should be false without a pattern")
	}
}

func TestParseDestinationOptionsDocument(t *testing.T) {
	doc := `
date_format: yyyy-MM-dd
temporary_pattern: '\.tmp$'
standby: true
max_bytes_per_sec_output: 1048576
delete_on_success: true
`
	opts, err := setup.ParseDestinationOptions(doc)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !opts.Standby || !opts.DeleteOnSuccess {
		t.Error("boolean flags not decoded")
	}
	if opts.MaxBytesPerSecOutput != 1<<20 {
		t.Errorf("MaxBytesPerSecOutput = %d", opts.MaxBytesPerSecOutput)
	}
	if !opts.IsTemporary("upload.tmp") || opts.IsTemporary("upload.grib") {
		t.Error("temporary pattern mismatch")
	}
	if got := opts.FormatDate(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)); got != "2024-03-01" {
		t.Errorf("FormatDate = %q", got)
	}
}

func TestParseDestinationOptionsBadPattern(t *testing.T) {
	if _, err := setup.ParseDestinationOptions("temporary_pattern: '('"); err == nil {
		t.Fatal("expected error for invalid pattern")
	}
}

func TestDateRoundTrip(t *testing.T) {
	formats := []string{"yyyyMMdd", "yyyy-MM-dd", "yyyyMMddHH"}
	instant := time.Date(2024, 3, 1, 9, 30, 15, 0, time.UTC)
	for _, format := range formats {
		opts, err := setup.ParseDestinationOptions("date_format: " + format)
		if err != nil {
			t.Fatalf("%s: %v", format, err)
		}
		rendered := opts.FormatDate(instant)
		parsed, ok := opts.ParseDate(rendered)
		if !ok {
			t.Fatalf("%s: ParseDate(%q) failed", format, rendered)
		}
		if opts.FormatDate(parsed) != rendered {
			t.Errorf("%s: round trip %q -> %q", format, rendered, opts.FormatDate(parsed))
		}
	}
}

func TestParseDateRejectsGarbage(t *testing.T) {
	opts, err := setup.ParseDestinationOptions("")
	if err != nil {
		t.Fatal(err)
	}
	for _, bad := range []string{"notadate", "2024030", "20240301/extra", ""} {
		if _, ok := opts.ParseDate(bad); ok {
			t.Errorf("ParseDate(%q) unexpectedly succeeded", bad)
		}
	}
}

func TestParseUserPolicies(t *testing.T) {
	p, err := setup.ParseUserPolicies("record_history: true\nrecord_audit: true\n")
	if err != nil {
		t.Fatal(err)
	}
	if !p.RecordHistory || !p.RecordAudit {
		t.Error("switches not decoded")
	}
	empty, err := setup.ParseUserPolicies("")
	if err != nil {
		t.Fatal(err)
	}
	if empty.RecordHistory || empty.RecordAudit {
		t.Error("empty document must disable switches")
	}
}
