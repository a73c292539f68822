package utils

import (
	"errors"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"teleconsult-server/internal/apperrors"
)

var validate = validator.New()

// Validate performs validation on a struct.
func Validate(s interface{}) error {
	return validate.Struct(s)
}

// ValidationFields turns validator errors into a field to problem map keyed by the JSON
// field name.
func ValidationFields(err error) map[string]string {
	var errs validator.ValidationErrors
	if !errors.As(err, &errs) {
		return nil
	}
	fields := make(map[string]string, len(errs))
	for _, e := range errs {
		fields[jsonName(e.Field())] = describe(e)
	}
	return fields
}

func jsonName(field string) string {
	if field == "" {
		return field
	}
	if strings.HasSuffix(field, "ID") {
		field = strings.TrimSuffix(field, "ID") + "Id"
	}
	return strings.ToLower(field[:1]) + field[1:]
}

func describe(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return "must be one of " + e.Param()
	case "uuid":
		return "must be a valid id"
	case "gt":
		return "must be greater than " + e.Param()
	case "min":
		return "must be at least " + e.Param()
	case "max":
		return "must be at most " + e.Param()
	}
	return "is invalid"
}

// BindAndValidate binds the request body to a struct and validates it.
// If validation fails, it sends a BadRequest response and returns false.
func BindAndValidate(c *gin.Context, obj interface{}) bool {
	if err := c.ShouldBindJSON(obj); err != nil {
		if fields := ValidationFields(err); fields != nil {
			FromError(c, apperrors.NewValidationError("validation failed", fields))
			return false
		}
		FromError(c, apperrors.NewValidationError("invalid request payload: "+err.Error(), nil))
		return false
	}
	if err := Validate(obj); err != nil {
		FromError(c, apperrors.NewValidationError("validation failed", ValidationFields(err)))
		return false
	}
	return true
}
