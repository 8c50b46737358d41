package service

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/noah-isme/madrasa-sync/internal/models"
	appErrors "github.com/noah-isme/madrasa-sync/pkg/errors"
)

// requiredDescriptorFields lists which natural key fields each record type needs.
var requiredDescriptorFields = map[models.RecordType][]string{
	models.RecordTypeAttendance: {"courseType", "year", "section", "date", "period"},
	models.RecordTypeNamaz:      {"courseType", "year", "section", "date", "subject"},
	models.RecordTypeLeave:      {"subject", "date"},
	models.RecordTypeRemark:     {"subject", "date"},
	models.RecordTypeTimetable:  {"courseType", "year", "section", "period"},
	models.RecordTypeStudent:    {"subject"},
}

// NewValidator returns a validator with the record_type tag registered.
func NewValidator() *validator.Validate {
	validate := validator.New()
	registerRecordValidations(validate)
	return validate
}

func registerRecordValidations(validate *validator.Validate) {
	_ = validate.RegisterValidation("record_type", func(fl validator.FieldLevel) bool {
		return models.RecordType(fl.Field().String()).Valid()
	})
}

// ValidateRecordInput checks a record type, its natural key and payload shape.
func ValidateRecordInput(validate *validator.Validate, recordType models.RecordType, descriptor models.Descriptor, payload json.RawMessage) error {
	if !recordType.Valid() {
		return appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unsupported record type %q", recordType))
	}
	if len(payload) == 0 || !json.Valid(payload) {
		return appErrors.Clone(appErrors.ErrValidation, "payload must be valid JSON")
	}
	missing := make([]string, 0)
	for _, field := range requiredDescriptorFields[recordType] {
		if descriptorFieldEmpty(descriptor, field) {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		return appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("descriptor missing %s", strings.Join(missing, ", ")))
	}
	if descriptor.Date != "" {
		if _, err := descriptor.ClassDate(nil); err != nil {
			return appErrors.Clone(appErrors.ErrValidation, "descriptor date must be YYYY-MM-DD")
		}
	}
	if descriptor.Period < 0 {
		return appErrors.Clone(appErrors.ErrValidation, "descriptor period must be positive")
	}
	if recordType.Mergeable() {
		return validateMarkSheet(validate, payload)
	}
	return nil
}

func validateMarkSheet(validate *validator.Validate, payload json.RawMessage) error {
	sheet, err := models.DecodeMarkSheet(payload)
	if err != nil {
		return appErrors.Clone(appErrors.ErrValidation, "payload must be a mark sheet")
	}
	if validate == nil {
		validate = NewValidator()
	}
	if err := validate.Struct(sheet); err != nil {
		return appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid mark sheet")
	}
	seen := make(map[string]struct{}, len(sheet.Marks))
	for _, mark := range sheet.Marks {
		if _, dup := seen[mark.StudentID]; dup {
			return appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("student %s marked twice", mark.StudentID))
		}
		seen[mark.StudentID] = struct{}{}
	}
	return nil
}

func descriptorFieldEmpty(d models.Descriptor, field string) bool {
	switch field {
	case "courseType":
		return strings.TrimSpace(d.CourseType) == ""
	case "year":
		return strings.TrimSpace(d.Year) == ""
	case "section":
		return strings.TrimSpace(d.Section) == ""
	case "date":
		return strings.TrimSpace(d.Date) == ""
	case "period":
		return d.Period <= 0
	case "subject":
		return strings.TrimSpace(d.Subject) == ""
	default:
		return false
	}
}
