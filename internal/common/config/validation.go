package config

import (
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
	log "github.com/sirupsen/logrus"
)

// LogValidationErrors logs each field-level validation failure on its own
// line so a misconfigured deployment names every offending field at once.
func LogValidationErrors(err error) {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		log.Error(err)
		return
	}
	for _, fieldError := range validationErrors {
		fieldName := stripPrefix(fieldError.Namespace())
		switch fieldError.Tag() {
		case "required":
			log.Errorf("ConfigError: Field %s is required but was not found", fieldName)
		default:
			log.Errorf("ConfigError: Field %s has invalid value %v: %s", fieldName, fieldError.Value(), fieldError.Tag())
		}
	}
}

func stripPrefix(s string) string {
	if idx := strings.Index(s, "."); idx != -1 {
		return s[idx+1:]
	}
	return s
}
