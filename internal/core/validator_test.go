package core

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"safewatch/internal/types"
)

type submitDTO struct {
	GuardianID string `json:"guardian_id" validate:"required"`
	PIN        string `json:"pin" validate:"required,len=6,numeric"`
}

type thresholdDTO struct {
	Threshold int `json:"threshold"`
}

func (d thresholdDTO) Validate() error {
	return types.NotificationSettings{LowBatteryThreshold: d.Threshold}.Validate()
}

func TestValidator_Struct(t *testing.T) {
	v := NewValidator(discardLogger())

	tests := []struct {
		name string
		req  any
		code types.ErrorCode
	}{
		{"valid", submitDTO{GuardianID: "g-1", PIN: "123456"}, ""},
		{"missing guardian", submitDTO{PIN: "123456"}, types.ErrCodeValidationMissingField},
		{"short pin", &submitDTO{GuardianID: "g-1", PIN: "12"}, types.ErrCodeValidationMissingField},
		{"self validation", thresholdDTO{Threshold: 75}, types.ErrCodeValidationThresholdRange},
		{"self validation ok", thresholdDTO{Threshold: 30}, ""},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := v.Struct(tc.req, types.ErrCodeValidationMissingField)
			if got := types.CodeOf(err); got != tc.code {
				t.Errorf("expected code %q, got %q (%v)", tc.code, got, err)
			}
		})
	}
}

func TestValidator_DecodeAndValidate(t *testing.T) {
	v := NewValidator(nil)

	t.Run("valid body", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"guardian_id":"g-1","pin":"654321"}`))
		var dst submitDTO
		if err := v.DecodeAndValidate(httptest.NewRecorder(), r, &dst, types.ErrCodeValidationInvalidPIN); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if dst.PIN != "654321" {
			t.Errorf("pin not decoded: %+v", dst)
		}
	})

	t.Run("decode error wins", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"guardian_id":`))
		var dst submitDTO
		err := v.DecodeAndValidate(httptest.NewRecorder(), r, &dst, types.ErrCodeValidationInvalidPIN)
		if types.CodeOf(err) != errCodeValidationInvalidJSON {
			t.Errorf("expected %s, got %v", errCodeValidationInvalidJSON, err)
		}
	})

	t.Run("validation error", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"guardian_id":"g-1","pin":"abcdef"}`))
		var dst submitDTO
		err := v.DecodeAndValidate(httptest.NewRecorder(), r, &dst, types.ErrCodeValidationInvalidPIN)
		if types.CodeOf(err) != types.ErrCodeValidationInvalidPIN {
			t.Errorf("expected %s, got %v", types.ErrCodeValidationInvalidPIN, err)
		}
	})
}
