package config

import (
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// getValidator returns the shared validator instance.
func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Validate checks the configuration for structural and cross-field
// errors. It is called by Load after defaults are applied; callers
// constructing a Config by hand should call it themselves.
func (c *Config) Validate() error {
	if err := getValidator().Struct(c); err != nil {
		return formatValidationError(err)
	}
	return c.validateCustomRules()
}

// validateCustomRules covers constraints struct tags cannot express.
func (c *Config) validateCustomRules() error {
	if c.Jobs.Type == "badger" && !c.Jobs.InMemory && c.Jobs.Path == "" {
		return fmt.Errorf("jobs.path is required when jobs.type is badger")
	}

	seen := make(map[string]bool, len(c.Locations))
	for i := range c.Locations {
		loc := &c.Locations[i]
		if seen[loc.ID] {
			return fmt.Errorf("duplicate location id %q", loc.ID)
		}
		seen[loc.ID] = true

		if err := validateLocationOptions(loc); err != nil {
			return fmt.Errorf("location %q: %w", loc.ID, err)
		}
	}
	return nil
}

// requiredOptions names the option keys each backend type cannot run
// without. Credentials are deliberately not listed; anonymous access is a
// valid setup for several backends.
var requiredOptions = map[string][]string{
	"sftp":   {"host"},
	"smb":    {"host", "share"},
	"webdav": {"url"},
	"rclone": {"url", "remote"},
	"s3":     {"bucket"},
	"local":  {"path"},
	"memory": nil,
}

func validateLocationOptions(loc *LocationConfig) error {
	required := requiredOptions[loc.Type]
	for _, key := range required {
		v, ok := loc.Options[key]
		if !ok {
			return fmt.Errorf("missing required option %q for type %s", key, loc.Type)
		}
		if s, isStr := v.(string); isStr && s == "" {
			return fmt.Errorf("option %q must not be empty", key)
		}
	}
	return nil
}

// Validate checks one location configuration in isolation. Used for
// locations registered at runtime, where the whole-config pass never
// sees them.
func (loc *LocationConfig) Validate() error {
	if err := getValidator().Struct(loc); err != nil {
		return formatValidationError(err)
	}
	return validateLocationOptions(loc)
}

// formatValidationError converts validator errors into a readable
// message naming the first offending field.
func formatValidationError(err error) error {
	validationErrors, ok := err.(validator.ValidationErrors)
	if !ok || len(validationErrors) == 0 {
		return err
	}

	first := validationErrors[0]
	return fmt.Errorf("field %s failed %q validation (value: %v)",
		first.Namespace(), first.Tag(), first.Value())
}
