package domain

import "fmt"

// ValidateFields checks field placement and assignment against the roster and
// the document's page count. pageCount <= 0 skips the page upper-bound check
// (page count unknown until the document is probed).
func ValidateFields(fields []Field, signers []Signer, pageCount int) error {
	if len(fields) == 0 {
		return &ValidationError{Field: "fields", Reason: "at least one field required"}
	}
	for i, f := range fields {
		name := fmt.Sprintf("fields[%d]", i)
		switch f.Type {
		case FieldSignature, FieldDate, FieldText, FieldInitials:
		default:
			return &ValidationError{Field: name, Reason: "unknown field type: " + string(f.Type)}
		}
		if f.Page < 1 {
			return &ValidationError{Field: name, Reason: "page must be >= 1"}
		}
		if pageCount > 0 && f.Page > pageCount {
			return &ValidationError{Field: name, Reason: fmt.Sprintf("page %d exceeds document page count %d", f.Page, pageCount)}
		}
		if err := f.Rect.Validate(); err != nil {
			return &ValidationError{Field: name, Reason: err.Error()}
		}
		if SignerByEmail(signers, f.AssigneeEmail) == nil {
			return &ValidationError{Field: name, Reason: "assignee email does not match any signer: " + f.AssigneeEmail}
		}
	}
	return nil
}

// FieldsForSigner returns the fields assigned to the given email.
func FieldsForSigner(fields []Field, email string) []Field {
	email = NormalizeEmail(email)
	out := make([]Field, 0, len(fields))
	for _, f := range fields {
		if NormalizeEmail(f.AssigneeEmail) == email {
			out = append(out, f)
		}
	}
	return out
}

// RequiredFieldsComplete reports whether every required field assigned to the
// signer has a value.
func RequiredFieldsComplete(fields []Field, email string) bool {
	email = NormalizeEmail(email)
	for _, f := range fields {
		if !f.Required || NormalizeEmail(f.AssigneeEmail) != email {
			continue
		}
		if !f.Completed() {
			return false
		}
	}
	return true
}
