package api

import (
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// invalidError marks a request the client has to fix.
type invalidError struct {
	msg string
}

func (e *invalidError) Error() string { return e.msg }

func invalid(format string, args ...interface{}) error {
	return &invalidError{msg: fmt.Sprintf(format, args...)}
}

// validateStruct runs the validate tags of s and flattens field errors into
// one message such as "category oneof; price_per_group required".
func validateStruct(s interface{}) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("validate request: %w", err)
	}

	parts := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		parts = append(parts, fmt.Sprintf("%s %s", fe.Field(), fe.Tag()))
	}
	return invalid("%s", strings.Join(parts, "; "))
}

// bind decodes the JSON body into payload, which validates itself through
// render.Binder.
func bind(r *http.Request, payload render.Binder) error {
	if err := render.Bind(r, payload); err != nil {
		var inv *invalidError
		if errors.As(err, &inv) {
			return err
		}
		return invalid("invalid request: %v", err)
	}
	return nil
}
