package utils

import (
	"errors"
	"net/mail"
	"regexp"
	"strings"
)

var emailRegex = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

var (
	ErrEmailEmpty   = errors.New("`email` is empty")
	ErrEmailInvalid = errors.New("`email` is not valid")
)

func ValidateEmail(email string) error {
	if email == "" {
		return ErrEmailEmpty
	}

	// implements RFC 5322 which allows example@value
	if _, err := mail.ParseAddress(email); err != nil {
		return ErrEmailInvalid
	}

	if !emailRegex.MatchString(email) {
		return ErrEmailInvalid
	}

	return nil
}

// EmailLocalPart returns the part of a valid email before the `@`.
// Anything that is not a valid email is returned unchanged.
func EmailLocalPart(email string) string {
	if ValidateEmail(email) != nil {
		return email
	}
	local, _, _ := strings.Cut(email, "@")
	return local
}
