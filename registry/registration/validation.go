// Copyright (C) 2026 ICCT Registry Authors.
// See LICENSE for copying information.

package registration

import (
	"fmt"
	"net/mail"
	"strings"
	"unicode/utf8"

	"github.com/zeebo/errs"
)

// ErrValidation is the error class wrapping every payload validation failure.
var ErrValidation = errs.Class("validation")

// FieldError is a validation failure bound to one payload field. Field is a
// dotted path into the submission ("players[3].aadharFile").
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error implements error.
func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func fieldErr(field, code, format string, args ...interface{}) error {
	return ErrValidation.Wrap(&FieldError{
		Field:   field,
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	})
}

// AsFieldError unwraps a *FieldError from err, if there is one.
func AsFieldError(err error) *FieldError {
	var fe *FieldError
	if errs.IsFunc(err, func(err error) bool {
		if e, ok := err.(*FieldError); ok {
			fe = e
			return true
		}
		return false
	}); fe != nil {
		return fe
	}
	return nil
}

func validateRequiredString(field, value string, min, max int) error {
	value = strings.TrimSpace(value)
	if value == "" {
		return fieldErr(field, "required", "%s is required", field)
	}
	return validateLength(field, value, min, max)
}

func validateOptionalString(field, value string, max int) error {
	if value == "" {
		return nil
	}
	return validateLength(field, value, 1, max)
}

func validateLength(field, value string, min, max int) error {
	// bounds are characters, not bytes; multibyte names count per rune
	length := utf8.RuneCountInString(value)
	if length < min {
		return fieldErr(field, "too_short", "%s must be at least %d characters", field, min)
	}
	if length > max {
		return fieldErr(field, "too_long", "%s must be at most %d characters", field, max)
	}
	return nil
}

func validateEmail(field, value string) error {
	if value == "" {
		return fieldErr(field, "required", "%s is required", field)
	}
	addr, err := mail.ParseAddress(value)
	if err != nil || addr.Address != value {
		return fieldErr(field, "bad_email", "%s is not a valid email address", field)
	}
	return nil
}

func validatePhone(field, value string, min, max int) error {
	if value == "" {
		return fieldErr(field, "required", "%s is required", field)
	}
	digits := value
	if strings.HasPrefix(digits, "+") {
		digits = digits[1:]
	}
	if len(digits) < min || len(digits) > max {
		return fieldErr(field, "bad_phone", "%s must be %d to %d digits", field, min, max)
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return fieldErr(field, "bad_phone", "%s may only contain digits and a leading +", field)
		}
	}
	return nil
}

func validateContact(prefix string, contact Contact) error {
	if err := validateRequiredString(prefix+".name", contact.Name, 1, 150); err != nil {
		return err
	}
	if err := validatePhone(prefix+".phone", contact.Phone, 7, 20); err != nil {
		return err
	}
	if err := validatePhone(prefix+".whatsapp", contact.Whatsapp, 10, 20); err != nil {
		return err
	}
	return validateEmail(prefix+".email", contact.Email)
}
