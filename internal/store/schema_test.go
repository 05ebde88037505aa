package store

import (
	"errors"
	"testing"
)

func TestValidateCreatePayloadAccepts(t *testing.T) {
	payload := `{"title":"Evening Roam","description":"meet at the gate","author":"ranger","roamId":"E1"}`
	if err := ValidateCreatePayload([]byte(payload)); err != nil {
		t.Fatalf("expected valid payload, got %v", err)
	}
}

func TestValidateCreatePayloadRejectsMissingTitle(t *testing.T) {
	err := ValidateCreatePayload([]byte(`{"author":"ranger"}`))
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestValidateCreatePayloadRejectsEngineOwnedFields(t *testing.T) {
	err := ValidateCreatePayload([]byte(`{"title":"x","author":"y","status":"posted"}`))
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected rejection of engine-owned field, got %v", err)
	}
}

func TestValidateCreatePayloadRejectsMalformedJSON(t *testing.T) {
	err := ValidateCreatePayload([]byte(`{"title":`))
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}
