package session

import (
	"strconv"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"
	"github.com/router-for-me/ChatRelay/internal/settings"
)

var (
	handles   = newHandleValidator()
	handleTag = "required,max=" + strconv.Itoa(settings.MaxHandleLength) + ",handle"
)

func newHandleValidator() *validator.Validate {
	v := validator.New()
	_ = RegisterHandleRule(v)
	return v
}

// RegisterHandleRule adds the "handle" tag to v.
func RegisterHandleRule(v *validator.Validate) error {
	return v.RegisterValidation("handle", func(fl validator.FieldLevel) bool {
		return IsHandle(fl.Field().String())
	})
}

// IsHandle reports whether s uses only letters, digits, and "_-." characters.
func IsHandle(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || strings.ContainsRune("_-.", r) {
			continue
		}
		return false
	}
	return true
}

func validHandle(name string) bool {
	return handles.Var(name, handleTag) == nil
}
