package custom_errors

import (
	"errors"
	"fmt"
)

// ValidationError collects every problem found in a submission or a config
// so callers see all of them at once.
type ValidationError struct {
	Errors []error `json:"errors"`
}

func (c *ValidationError) Add(err error) {
	c.Errors = append(c.Errors, err)
}

// Addf adds a formatted error.
func (c *ValidationError) Addf(format string, args ...any) {
	c.Errors = append(c.Errors, fmt.Errorf(format, args...))
}

func (c *ValidationError) HasError() bool {
	return len(c.Errors) > 0
}

// Messages returns the individual error strings.
func (c *ValidationError) Messages() []string {
	out := make([]string, 0, len(c.Errors))
	for _, err := range c.Errors {
		out = append(out, err.Error())
	}
	return out
}

func (c *ValidationError) Error() string {
	if len(c.Errors) == 0 {
		return ""
	}
	return fmt.Sprintf("%v", errors.Join(c.Errors...))
}

func (c *ValidationError) Unwrap() []error {
	return c.Errors
}

// AsValidationError reports whether err wraps a *ValidationError.
func AsValidationError(err error) (*ValidationError, bool) {
	var v *ValidationError
	if errors.As(err, &v) {
		return v, true
	}
	return nil, false
}
