package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// RegisterCustomValidators registers the schema's custom rules.
func RegisterCustomValidators(v *validator.Validate) error {
	if err := v.RegisterValidation("duration", validateDuration); err != nil {
		return fmt.Errorf("failed to register duration validator: %w", err)
	}
	return nil
}

// validateDuration accepts any positive time.ParseDuration string.
func validateDuration(fl validator.FieldLevel) bool {
	d, err := time.ParseDuration(fl.Field().String())
	return err == nil && d > 0
}

// Validate checks the configuration against the struct tags plus the
// cross-field rules.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := RegisterCustomValidators(v); err != nil {
		return err
	}
	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	// Outside dev mode a backend is mandatory: there is nothing durable
	// about the in-memory store.
	if !c.DevMode && c.Store.Host == "" {
		return errors.New("store.host is required outside dev mode (or set dev_mode: true)")
	}
	return nil
}

// formatValidationErrors flattens validator errors into one actionable
// message.
func formatValidationErrors(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	messages := make([]string, 0, len(verrs))
	for _, e := range verrs {
		messages = append(messages, fmt.Sprintf("%s: fails %q (value %v)", fieldPath(e), e.Tag(), e.Value()))
	}
	return errors.New(strings.Join(messages, "; "))
}

// fieldPath strips the top-level struct name from the namespace:
// "Config.Rate.CounterTTLSeconds" reads as "rate.counter_ttl_seconds"
// only with yaml names, which validator does not track, so the Go path
// is the best stable reference.
func fieldPath(e validator.FieldError) string {
	ns := e.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}
