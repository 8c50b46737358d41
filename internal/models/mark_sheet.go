package models

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// StudentMark is one student's status within an attendance or namaz sheet.
type StudentMark struct {
	StudentID string     `json:"studentId" validate:"required"`
	Status    string     `json:"status" validate:"required"`
	MarkedAt  *time.Time `json:"markedAt,omitempty"`
	Note      string     `json:"note,omitempty"`
}

// MarkSheet is the payload of attendance and namaz records.
type MarkSheet struct {
	Marks []StudentMark `json:"marks" validate:"required,min=1,dive"`
}

// DecodeMarkSheet parses a mark sheet payload.
func DecodeMarkSheet(raw json.RawMessage) (MarkSheet, error) {
	var sheet MarkSheet
	if err := json.Unmarshal(raw, &sheet); err != nil {
		return MarkSheet{}, fmt.Errorf("decode mark sheet: %w", err)
	}
	return sheet, nil
}

// StudentIDs returns the sorted student ids present on the sheet.
func (s MarkSheet) StudentIDs() []string {
	ids := make([]string, 0, len(s.Marks))
	for _, mark := range s.Marks {
		ids = append(ids, mark.StudentID)
	}
	sort.Strings(ids)
	return ids
}

// ByStudent indexes the marks by student id.
func (s MarkSheet) ByStudent() map[string]StudentMark {
	out := make(map[string]StudentMark, len(s.Marks))
	for _, mark := range s.Marks {
		out[mark.StudentID] = mark
	}
	return out
}
