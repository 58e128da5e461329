package validation

import (
	"regexp"
	"strings"
)

type Violations map[string]string

func (v Violations) Empty() bool { return len(v) == 0 }

// Basic validators
func Required(field, value string, v Violations) {
	if strings.TrimSpace(value) == "" {
		v[field] = "required"
	}
}

func PositiveInt(field string, val int, v Violations) {
	if val <= 0 {
		v[field] = "must_be_positive"
	}
}

var e164 = regexp.MustCompile(`^\+[1-9]\d{1,14}$`)

// Phone accepts an empty value (the field is optional) but rejects
// anything non-empty that is not E.164.
func Phone(field, value string, v Violations) {
	if value == "" {
		return
	}
	if !e164.MatchString(value) {
		v[field] = "must_be_e164"
	}
}

var emailish = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

func Email(field, value string, v Violations) {
	if !emailish.MatchString(value) {
		v[field] = "invalid_email"
	}
}

func OneOf(field, value string, allowed []string, v Violations) {
	for _, a := range allowed {
		if value == a {
			return
		}
	}
	v[field] = "not_allowed"
}
