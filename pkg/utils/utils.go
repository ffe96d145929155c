package utils

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	apperrors "github.com/learnhub/devicegate/pkg/errors"
)

var validate *validator.Validate

func init() {
	validate = validator.New()

	// report json field names
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
}

// ValidateStruct checks the validate tags of s. Range violations are
// reported as VALUE_OUT_OF_RANGE, everything else as VALIDATION_FAILED.
func ValidateStruct(s interface{}) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	fieldErrors, ok := err.(validator.ValidationErrors)
	if !ok || len(fieldErrors) == 0 {
		return apperrors.Wrap(err, apperrors.ErrCodeValidationFailed, "validation failed")
	}

	details := make(map[string]interface{}, len(fieldErrors))
	code := apperrors.ErrCodeValidationFailed
	var messages []string
	for _, fe := range fieldErrors {
		msg := fieldErrorMessage(fe)
		details[fe.Field()] = msg
		messages = append(messages, msg)
		if fe.Tag() == "min" || fe.Tag() == "max" {
			code = apperrors.ErrCodeValueOutOfRange
		}
	}
	return apperrors.New(code, strings.Join(messages, "; ")).WithDetails(details)
}

func fieldErrorMessage(fe validator.FieldError) string {
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "email":
		return fmt.Sprintf("%s must be a valid email address", field)
	case "min":
		if fe.Kind() == reflect.String {
			return fmt.Sprintf("%s must be at least %s characters long", field, fe.Param())
		}
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "max":
		if fe.Kind() == reflect.String {
			return fmt.Sprintf("%s must be at most %s characters long", field, fe.Param())
		}
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", field, fe.Param())
	default:
		return fmt.Sprintf("%s failed validation for '%s'", field, fe.Tag())
	}
}

// DecodeJSON reads the request body into v and validates it. An empty body
// is accepted when allowEmpty is set.
func DecodeJSON(r *http.Request, v interface{}, allowEmpty bool) error {
	if r.Body == nil {
		return ValidateStruct(v)
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return ValidateStruct(v)
		}
		return apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "invalid request body")
	}
	return ValidateStruct(v)
}

// ParseUUID parses a path or query value naming field
func ParseUUID(field, value string) (uuid.UUID, error) {
	id, err := uuid.Parse(value)
	if err != nil {
		return uuid.Nil, apperrors.InvalidInput(field, "must be a valid UUID")
	}
	return id, nil
}

// QueryInt returns the integer query parameter name, or def when absent
func QueryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperrors.InvalidInput(name, "must be an integer")
	}
	return n, nil
}
