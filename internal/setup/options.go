// Package setup parses the YAML option documents attached to destinations
// and incoming users.
package setup

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultDateFormat is the date-directory format applied when a destination
// does not configure its own.
const DefaultDateFormat = "yyyyMMdd"

// DestinationOptions carries the per-destination settings stored as a YAML
// document on the Destination record.
type DestinationOptions struct {
	// DateFormat renders and parses date-directory names, written with
	// yyyy/MM/dd/HH/mm tokens.
	DateFormat string `yaml:"date_format"`
	// TemporaryPattern matches targets still carrying an incoming name.
	// A rename crossing temporary -> definitive promotes HOLD transfers.
	TemporaryPattern string `yaml:"temporary_pattern"`
	// Standby holds back otherwise-queueable transfers for this
	// destination; SchedulerStandby does the same at the scheduler level.
	Standby          bool `yaml:"standby"`
	SchedulerStandby bool `yaml:"scheduler_standby"`
	// Byte-rate caps applied to issued proxy sockets, per direction.
	// Zero means uncapped.
	MaxBytesPerSecInput  int64 `yaml:"max_bytes_per_sec_input"`
	MaxBytesPerSecOutput int64 `yaml:"max_bytes_per_sec_output"`
	// DeleteOnSuccess marks a transfer deleted from the spool once its
	// download is acknowledged.
	DeleteOnSuccess bool `yaml:"delete_on_success"`

	tmpRe *regexp.Regexp
}

// ParseDestinationOptions decodes a destination option document. An empty
// document yields the defaults. An invalid temporary pattern is an error;
// an unknown date token is reported at parse time rather than per call.
func ParseDestinationOptions(doc string) (*DestinationOptions, error) {
	opts := &DestinationOptions{}
	if strings.TrimSpace(doc) != "" {
		if err := yaml.Unmarshal([]byte(doc), opts); err != nil {
			return nil, fmt.Errorf("destination options: %w", err)
		}
	}
	if opts.DateFormat == "" {
		opts.DateFormat = DefaultDateFormat
	}
	if _, err := goLayout(opts.DateFormat); err != nil {
		return nil, err
	}
	if opts.TemporaryPattern != "" {
		re, err := regexp.Compile(opts.TemporaryPattern)
		if err != nil {
			return nil, fmt.Errorf("destination options: temporary_pattern: %w", err)
		}
		opts.tmpRe = re
	}
	return opts, nil
}

// IsTemporary reports whether the given target name matches the configured
// temporary name pattern. Without a pattern nothing is temporary.
func (o *DestinationOptions) IsTemporary(name string) bool {
	return o.tmpRe != nil && o.tmpRe.MatchString(name)
}

// FormatDate renders the instant as a date-directory name.
func (o *DestinationOptions) FormatDate(t time.Time) string {
	layout, _ := goLayout(o.DateFormat)
	return t.UTC().Format(layout)
}

// ParseDate parses a date-directory name. ok is false when the name does not
// match the configured format.
func (o *DestinationOptions) ParseDate(s string) (time.Time, bool) {
	layout, _ := goLayout(o.DateFormat)
	t, err := time.ParseInLocation(layout, s, time.UTC)
	if err != nil {
		return time.Time{}, false
	}
	// Reject partial matches such as "2024030" against yyyyMMdd: the
	// round-trip must reproduce the input exactly.
	if t.UTC().Format(layout) != s {
		return time.Time{}, false
	}
	return t, true
}

var dateTokens = strings.NewReplacer(
	"yyyy", "2006",
	"MM", "01",
	"dd", "02",
	"HH", "15",
	"mm", "04",
)

// goLayout translates a yyyyMMdd-style format to a Go reference layout.
func goLayout(format string) (string, error) {
	layout := dateTokens.Replace(format)
	if strings.ContainsAny(layout, "yMdHm") {
		return "", fmt.Errorf("destination options: unsupported date format %q", format)
	}
	return layout, nil
}

// UserPolicies carries the per-user portal switches stored as a YAML
// document on the IncomingUser record.
type UserPolicies struct {
	RecordHistory bool `yaml:"record_history"`
	RecordAudit   bool `yaml:"record_audit"`
}

// ParseUserPolicies decodes a user policy document; an empty document
// disables both switches.
func ParseUserPolicies(doc string) (UserPolicies, error) {
	var p UserPolicies
	if strings.TrimSpace(doc) == "" {
		return p, nil
	}
	if err := yaml.Unmarshal([]byte(doc), &p); err != nil {
		return UserPolicies{}, fmt.Errorf("user policies: %w", err)
	}
	return p, nil
}
