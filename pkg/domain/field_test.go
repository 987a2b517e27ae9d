package domain

import (
	"testing"
	"time"
)

func TestFieldsForSigner(t *testing.T) {
	fields := []Field{
		sigField("f1", "a@example.com"),
		sigField("f2", "b@example.com"),
		sigField("f3", "A@Example.com"),
	}
	mine := FieldsForSigner(fields, "a@example.com")
	if len(mine) != 2 {
		t.Fatalf("expected 2 fields for a@example.com, got %d", len(mine))
	}
}

func TestRequiredFieldsComplete(t *testing.T) {
	now := time.Now().UTC()
	optional := Field{ID: "opt", AssigneeEmail: "a@example.com", Type: FieldText, Page: 1, Rect: testRect(), Required: false}
	required := sigField("req", "a@example.com")

	fields := []Field{optional, required}
	if RequiredFieldsComplete(fields, "a@example.com") {
		t.Fatalf("incomplete required field not detected")
	}

	fields[1].Value = "signed"
	fields[1].CompletedAt = &now
	if !RequiredFieldsComplete(fields, "a@example.com") {
		t.Fatalf("optional field must not block completion")
	}

	// a signer with no required fields is trivially complete
	if !RequiredFieldsComplete(fields, "b@example.com") {
		t.Fatalf("signer without required fields should be complete")
	}
}

func TestValidateFieldsUnknownType(t *testing.T) {
	signers := []Signer{signer("a@example.com", 1)}
	fields := []Field{{ID: "f", AssigneeEmail: "a@example.com", Type: "stamp", Page: 1, Rect: testRect()}}
	if err := ValidateFields(fields, signers, 1); !IsValidation(err) {
		t.Fatalf("unknown field type: expected validation error, got %v", err)
	}
}
