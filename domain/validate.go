package domain

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("task_status", func(fl validator.FieldLevel) bool {
		return Status(fl.Field().String()).Valid()
	})
	_ = v.RegisterValidation("notblank", func(fl validator.FieldLevel) bool {
		return strings.TrimSpace(fl.Field().String()) != ""
	})
	return v
}

// Validate checks the draft before it is sent to the store.
func (d Draft) Validate() error {
	err := validate.Struct(d)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return &ValidationError{Message: err.Error(), Err: err}
	}
	fe := verrs[0]
	field := strings.ToLower(fe.Field())
	var msg string
	switch fe.Tag() {
	case "required", "notblank":
		msg = field + " must not be empty"
	case "task_status":
		msg = fmt.Sprintf("unknown status %q", fe.Value())
	default:
		msg = fmt.Sprintf("%s failed %s check", field, fe.Tag())
	}
	return &ValidationError{Field: field, Message: msg, Err: err}
}
