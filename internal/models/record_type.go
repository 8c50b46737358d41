package models

import "strings"

// RecordType tags every mutation with the kind of record it targets.
type RecordType string

const (
	RecordTypeAttendance RecordType = "attendance"
	RecordTypeNamaz      RecordType = "namaz"
	RecordTypeLeave      RecordType = "leave"
	RecordTypeRemark     RecordType = "remark"
	RecordTypeTimetable  RecordType = "timetable"
	RecordTypeStudent    RecordType = "student"
)

// RecordTypes lists every supported record type.
var RecordTypes = []RecordType{
	RecordTypeAttendance,
	RecordTypeNamaz,
	RecordTypeLeave,
	RecordTypeRemark,
	RecordTypeTimetable,
	RecordTypeStudent,
}

// Valid returns true when the type is supported.
func (t RecordType) Valid() bool {
	switch t {
	case RecordTypeAttendance, RecordTypeNamaz, RecordTypeLeave, RecordTypeRemark, RecordTypeTimetable, RecordTypeStudent:
		return true
	default:
		return false
	}
}

// Mergeable reports whether payloads of this type are per-student mark sheets.
func (t RecordType) Mergeable() bool {
	return t == RecordTypeAttendance || t == RecordTypeNamaz
}

// ParseRecordType normalises user input into a RecordType.
func ParseRecordType(raw string) (RecordType, bool) {
	t := RecordType(strings.ToLower(strings.TrimSpace(raw)))
	return t, t.Valid()
}
