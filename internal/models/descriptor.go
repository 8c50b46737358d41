package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DateLayout is the wire format of Descriptor.Date.
const DateLayout = "2006-01-02"

// Descriptor is the natural key of a record: the tuple that identifies the same logical
// record across devices. Unused fields stay empty.
type Descriptor struct {
	CourseType string  `json:"courseType,omitempty"`
	Year       string  `json:"year,omitempty"`
	Division   *string `json:"division,omitempty"`
	Section    string  `json:"section,omitempty"`
	Date       string  `json:"date,omitempty"`
	Period     int     `json:"period,omitempty"`
	// Subject is the student id for leave, remark and student records and the prayer slot for namaz.
	Subject string `json:"subject,omitempty"`
}

// Canonical returns the stable string form used for lock keys, queue matching and remote lookups.
func (d Descriptor) Canonical() string {
	division := "-"
	if d.Division != nil {
		division = orDash(normalisePart(*d.Division))
	}
	period := "-"
	if d.Period > 0 {
		period = strconv.Itoa(d.Period)
	}
	parts := []string{
		orDash(normalisePart(d.CourseType)),
		orDash(normalisePart(d.Year)),
		division,
		orDash(normalisePart(d.Section)),
		orDash(strings.TrimSpace(d.Date)),
		period,
		orDash(normalisePart(d.Subject)),
	}
	return strings.Join(parts, "|")
}

// Same reports whether both descriptors name the same natural key.
func (d Descriptor) Same(other Descriptor) bool {
	return d.Canonical() == other.Canonical()
}

// ClassDate parses Date in the provided location.
func (d Descriptor) ClassDate(loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.Local
	}
	day, err := time.ParseInLocation(DateLayout, strings.TrimSpace(d.Date), loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse descriptor date %q: %w", d.Date, err)
	}
	return day, nil
}

// DivisionValue returns the division or an empty string when unset.
func (d Descriptor) DivisionValue() string {
	if d.Division == nil {
		return ""
	}
	return *d.Division
}

func normalisePart(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}

var keyEscaper = strings.NewReplacer(`\`, `\\`, `|`, `\|`)

// orDash escapes a key part so that separators and the empty marker inside
// values cannot collide with the key structure.
func orDash(v string) string {
	switch v {
	case "":
		return "-"
	case "-":
		return `\-`
	}
	return keyEscaper.Replace(v)
}
