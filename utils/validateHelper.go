package utils

import (
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/ttacon/libphonenumber"
)

var validate = func() *validator.Validate {
	v := validator.New()
	// Same tag gin's binding reads, so model structs carry one set of rules.
	v.SetTagName("binding")
	return v
}()

// ValidateStruct runs binding-tag validation on API payloads.
func ValidateStruct(s any) error {
	return validate.Struct(s)
}

// NormalizePhone parses a notification recipient's phone number and returns it
// in E.164 form. defaultRegion is used when the number has no country prefix.
func NormalizePhone(raw string, defaultRegion string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("phone number is empty")
	}
	if defaultRegion == "" {
		defaultRegion = "US"
	}
	num, err := libphonenumber.Parse(raw, defaultRegion)
	if err != nil {
		return "", err
	}
	if !libphonenumber.IsValidNumber(num) {
		return "", errors.New("invalid phone number")
	}
	return libphonenumber.Format(num, libphonenumber.E164), nil
}
