package core

import (
	"log/slog"
	"net/http"

	"safewatch/internal/types"
)

// Validator checks decoded request DTOs against their validate tags and
// converts the first failure into an AppError.
type Validator struct {
	logger *slog.Logger
}

// NewValidator returns a Validator.
func NewValidator(logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{logger: logger}
}

// Struct validates v. Failures carry code; a value implementing
// types.Validator is also checked with its own Validate method.
func (v *Validator) Struct(req any, code types.ErrorCode) error {
	if err := types.ValidateStruct(req, code); err != nil {
		v.logger.Debug("request validation failed", "error", err)
		return err
	}
	if self, ok := req.(types.Validator); ok {
		return self.Validate()
	}
	return nil
}

// DecodeAndValidate decodes the JSON body into dst and validates it.
func (v *Validator) DecodeAndValidate(w http.ResponseWriter, r *http.Request, dst any, code types.ErrorCode) error {
	if err := DecodeJSON(w, r, dst); err != nil {
		return err
	}
	return v.Struct(dst, code)
}
