// SPDX-License-Identifier: MIT

// Package validate provides field validation utilities shared by the
// configuration loader and the rule model.
package validate

import (
	"fmt"
	"net"
	"net/url"
	"slices"
	"strings"
	"time"
)

// Error is one failed field.
type Error struct {
	Field   string // dotted path, e.g. "engine.tuners.GR"
	Value   any
	Message string
}

func (e Error) Error() string {
	return fmt.Sprintf("validation failed for %s: %s", e.Field, e.Message)
}

// Validator accumulates field errors. The zero value is ready to use.
type Validator struct {
	errors []Error
}

// ValidationError bundles every failed field of one validation pass.
type ValidationError struct {
	errors []Error
}

func New() *Validator {
	return &Validator{}
}

func (v *Validator) AddError(field, message string, value any) {
	v.errors = append(v.errors, Error{Field: field, Value: value, Message: message})
}

// IsValid reports whether no error was recorded.
func (v *Validator) IsValid() bool {
	return len(v.errors) == 0
}

// Err returns nil or a ValidationError holding a copy of the errors.
func (v *Validator) Err() error {
	if len(v.errors) == 0 {
		return nil
	}
	return ValidationError{errors: slices.Clone(v.errors)}
}

// Errors returns the failed fields.
func (e ValidationError) Errors() []Error {
	return e.errors
}

func (e ValidationError) Error() string {
	msgs := make([]string, len(e.errors))
	for i, err := range e.errors {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}

// Fields lists the failed field names in order.
func (e ValidationError) Fields() []string {
	fields := make([]string, len(e.errors))
	for i, err := range e.errors {
		fields[i] = err.Field
	}
	return fields
}

// Range checks minVal <= value <= maxVal.
func (v *Validator) Range(field string, value, minVal, maxVal int) {
	if value < minVal || value > maxVal {
		v.AddError(field, fmt.Sprintf("value must be between %d and %d, got %d", minVal, maxVal, value), value)
	}
}

func (v *Validator) NonNegative(field string, value int) {
	if value < 0 {
		v.AddError(field, fmt.Sprintf("value cannot be negative, got %d", value), value)
	}
}

// NotEmpty rejects empty and whitespace-only strings.
func (v *Validator) NotEmpty(field, value string) {
	if strings.TrimSpace(value) == "" {
		v.AddError(field, "value cannot be empty", value)
	}
}

func (v *Validator) OneOf(field, value string, allowed []string) {
	if !slices.Contains(allowed, value) {
		v.AddError(field, fmt.Sprintf("value must be one of %v, got %q", allowed, value), value)
	}
}

// MinDuration checks d >= minVal.
func (v *Validator) MinDuration(field string, d, minVal time.Duration) {
	if d < minVal {
		v.AddError(field, fmt.Sprintf("must be at least %s, got %s", minVal, d), d)
	}
}

// PositiveDuration checks d > 0.
func (v *Validator) PositiveDuration(field string, d time.Duration) {
	if d <= 0 {
		v.AddError(field, fmt.Sprintf("must be positive, got %s", d), d)
	}
}

// Fraction checks 0 <= f <= 1.
func (v *Validator) Fraction(field string, f float64) {
	if f < 0 || f > 1 {
		v.AddError(field, fmt.Sprintf("must be between 0 and 1, got %g", f), f)
	}
}

// ListenAddr validates a host:port listen address. Empty means disabled.
func (v *Validator) ListenAddr(field, addr string) {
	if addr == "" {
		return
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		v.AddError(field, fmt.Sprintf("invalid listen address: %v", err), addr)
	}
}

// HTTPURL validates an absolute http or https URL. Empty means disabled.
func (v *Validator) HTTPURL(field, raw string) {
	if raw == "" {
		return
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		v.AddError(field, "must be an absolute http(s) URL", raw)
	}
}
