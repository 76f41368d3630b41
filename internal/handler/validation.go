package handler

import (
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/vidgallery/api/internal/model"
)

// NewValidator returns a validator with the videoformat tag registered.
func NewValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("videoformat", func(fl validator.FieldLevel) bool {
		return model.Format(strings.ToLower(strings.TrimSpace(fl.Field().String()))).Valid()
	})
	return v
}

func formatValidationErrors(err error) interface{} {
	if validationErrors, ok := err.(validator.ValidationErrors); ok {
		errors := make(map[string]string)
		for _, e := range validationErrors {
			errors[e.Field()] = e.Tag()
		}
		return errors
	}
	return nil
}
