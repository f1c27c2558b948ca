// loader.go implements the configuration loading lifecycle.
//
// The loading sequence is:
//  1. Enforce UTC timezone to prevent drift bugs.
//  2. Load a .env file via godotenv (non-fatal if absent).
//  3. Use envconfig to process struct tags and populate the Config struct.
//  4. Validate the struct using go-playground/validator.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// ErrorType categorizes configuration loading failures to aid debugging.
type ErrorType string

const (
	// ErrParsing indicates a failure when parsing environment variable
	// values into their target types.
	ErrParsing ErrorType = "PARSING_FAILED"
	// ErrValidation indicates the configuration failed struct validation.
	ErrValidation ErrorType = "VALIDATION_FAILED"
)

// Error is a diagnostic error type returned by Load.
type Error struct {
	Type    ErrorType
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Load loads and validates the configuration from the environment.
// A .env file in the working directory is merged in with lower priority
// than the OS environment.
func Load() (*Config, error) {
	time.Local = time.UTC

	// Missing .env is the normal case outside local development.
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, &Error{Type: ErrParsing, Message: "failed to process environment", Err: err}
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, &Error{Type: ErrValidation, Message: "configuration validation failed", Err: err}
	}

	return &cfg, nil
}
