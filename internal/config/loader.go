// loader.go implements the configuration loading lifecycle.
//
// The loading sequence is:
//  1. Enforce UTC timezone to prevent drift bugs.
//  2. Load .env file via godotenv (non-fatal if absent).
//  3. Use envconfig to process struct tags and populate the Config struct.
//  4. Populate BuildInfo from linker-injected variables.
//  5. Validate the struct using go-playground/validator.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// ConfigError is a diagnostic error type returned by LoadConfig to aid debugging.
// It wraps a ConfigErrorType and an underlying error message.
type ConfigError struct {
	Type    ConfigErrorType
	Message string
	Err     error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

// Unwrap returns the underlying error for use with errors.Is/errors.As.
func (e *ConfigError) Unwrap() error {
	return e.Err
}

// localEnv is the APP_ENV value for local development.
const localEnv = "local"

// envLookup matches os.LookupEnv and allows injection for testing.
type envLookup func(key string) (string, bool)

// loaderDeps holds the injectable dependencies for the loader.
type loaderDeps struct {
	lookupEnv  envLookup
	dotenvPath []string
}

func defaultDeps() loaderDeps {
	return loaderDeps{lookupEnv: os.LookupEnv}
}

// LoadConfig loads and validates the configuration from the environment.
func LoadConfig() (*Config, error) {
	return loadConfigWithDeps(defaultDeps())
}

func loadConfigWithDeps(deps loaderDeps) (*Config, error) {
	// Step 1: Enforce UTC timezone to prevent drift bugs.
	time.Local = time.UTC

	// Step 2: Load .env file (non-fatal if absent). godotenv does NOT
	// override variables that are already set.
	_ = godotenv.Load(deps.dotenvPath...)

	if _, ok := deps.lookupEnv("APP_ENV"); !ok {
		return nil, &ConfigError{
			Type:    ErrMissingEnv,
			Message: "APP_ENV is not set",
		}
	}

	// Step 3: Process envconfig tags. The empty prefix means envconfig
	// falls back to the exact tag values (e.g. envconfig:"PORT" reads PORT).
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, &ConfigError{
			Type:    ErrParsing,
			Message: "failed to process environment configuration",
			Err:     err,
		}
	}

	// Step 4: Populate build metadata from linker-injected variables.
	cfg.Build = NewBuildInfo()

	// Step 5: Validate the populated struct.
	if err := validator.New().Struct(cfg); err != nil {
		return nil, validationError(err)
	}

	return &cfg, nil
}

// validationError reports missing required values as ErrMissingEnv and
// everything else as ErrValidation.
func validationError(err error) *ConfigError {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return &ConfigError{Type: ErrValidation, Message: "configuration validation failed", Err: err}
	}
	var missing []string
	for _, fe := range verrs {
		if fe.Tag() == "required" {
			missing = append(missing, fe.Namespace())
		}
	}
	if len(missing) == len(verrs) {
		return &ConfigError{
			Type:    ErrMissingEnv,
			Message: "missing required configuration: " + strings.Join(missing, ", "),
			Err:     err,
		}
	}
	return &ConfigError{Type: ErrValidation, Message: "configuration validation failed", Err: err}
}
