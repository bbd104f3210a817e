package validate

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

var compactDate = regexp.MustCompile(`^\d{14}$`)

// Layouts tried in order after the compact YYYYMMDDHHMMSS form.
var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// ParsePaymentDate accepts a canonical timestamp or the compact
// YYYYMMDDHHMMSS form. Values without a zone are read as UTC.
func ParsePaymentDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, errors.New("empty payment date")
	}
	if compactDate.MatchString(s) {
		return time.ParseInLocation("20060102150405", s, time.UTC)
	}
	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised payment date %q", s)
}
