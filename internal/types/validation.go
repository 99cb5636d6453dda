package types

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Validation constraint constants.
const (
	MinLat        = -90.0
	MaxLat        = 90.0
	MinLon        = -180.0
	MaxLon        = 180.0
	MaxNameLength = 200
	PINLength     = 6
)

var pinPattern = regexp.MustCompile(`^[0-9]{6}$`)

// structValidator is shared; validator.Validate caches struct metadata and is
// safe for concurrent use.
var structValidator = validator.New(validator.WithRequiredStructEnabled())

// ValidateStruct runs go-playground/validator tag rules on v and converts the
// first failure into an AppError with the given code.
func ValidateStruct(v any, code ErrorCode) error {
	err := structValidator.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return NewAppError(code,
			fmt.Sprintf("field %s failed %q validation", strings.ToLower(fe.Field()), fe.Tag()),
			err,
		).WithDetails(map[string]any{"field": fe.Namespace()})
	}
	return NewAppError(code, "validation failed", err)
}

// ValidateLatLon checks that the coordinate is within WGS84 bounds.
func ValidateLatLon(p LatLon) error {
	if p.Lat < MinLat || p.Lat > MaxLat {
		return NewAppError(ErrCodeValidationInvalidLat, fmt.Sprintf("latitude %.6f out of range", p.Lat), nil)
	}
	if p.Lon < MinLon || p.Lon > MaxLon {
		return NewAppError(ErrCodeValidationInvalidLon, fmt.Sprintf("longitude %.6f out of range", p.Lon), nil)
	}
	return nil
}

// Validate implements Validator for Zone.
func (z Zone) Validate() error {
	if err := ValidateLatLon(z.Center); err != nil {
		return err
	}
	return ValidateStruct(z, ErrCodeValidationInvalidZone)
}

// Validate implements Validator for NotificationSettings.
func (s NotificationSettings) Validate() error {
	if s.LowBatteryThreshold < MinLowBatteryThreshold || s.LowBatteryThreshold > MaxLowBatteryThreshold {
		return NewAppError(ErrCodeValidationThresholdRange,
			fmt.Sprintf("low battery threshold %d outside [%d, %d]",
				s.LowBatteryThreshold, MinLowBatteryThreshold, MaxLowBatteryThreshold),
			nil)
	}
	return nil
}

// ValidPIN reports whether pin is exactly six ASCII digits.
func ValidPIN(pin string) bool {
	return pinPattern.MatchString(pin)
}
