package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("koanf"), ",", 2)[0]
		if name == "" || name == "-" {
			return field.Name
		}
		return name
	})
	return v
}

// Validate checks field constraints declared in struct tags, then the
// cross-field rules tags cannot express. It returns the first *ConfigError.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fieldError(verrs[0])
		}
		return err
	}

	if cfg.Telemetry.BatchSize > cfg.Telemetry.Capacity {
		return NewInvalidFieldError("telemetry.batchsize",
			fmt.Sprintf("must not exceed telemetry.capacity (%d)", cfg.Telemetry.Capacity))
	}

	if cfg.Telemetry.Store != StoreMemory && cfg.Telemetry.Path == "" {
		return NewMissingFieldError("telemetry.path")
	}

	if cfg.Retry.MaxDelay > 0 && cfg.Retry.MaxDelay < cfg.Retry.BaseDelay {
		return NewInvalidFieldError("retry.maxdelay", "must be greater than or equal to retry.basedelay")
	}

	return nil
}

func fieldError(fe validator.FieldError) *ConfigError {
	// Namespace is "Config.section.key"
	field := fe.Namespace()
	if idx := strings.Index(field, "."); idx >= 0 {
		field = field[idx+1:]
	}

	if fe.Tag() == "required" {
		return NewMissingFieldError(field)
	}

	msg := fmt.Sprintf("failed %q constraint", fe.Tag())
	if fe.Param() != "" {
		msg = fmt.Sprintf("failed %q constraint (%s)", fe.Tag(), fe.Param())
	}
	return NewInvalidFieldError(field, msg)
}
