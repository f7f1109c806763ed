// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"fmt"
	"net"
	"strings"
	"time"

	"grimm.is/ssdphelper/internal/logging"
)

// knownHelpers lists the helper blocks the daemon can run.
var knownHelpers = map[string]bool{
	"ssdp": true,
}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// HasErrors returns true if there are any validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Validate validates the entire configuration.
func (c *Config) Validate() ValidationErrors {
	var errs ValidationErrors

	if c.Queue < 0 || c.Queue > 0xffff {
		errs = append(errs, ValidationError{
			Field:   "queue",
			Message: fmt.Sprintf("must be between 0 and 65535, got %d", c.Queue),
		})
	}

	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, ValidationError{Field: "log_level", Message: err.Error()})
	}

	if c.MetricsListen != "" {
		if _, _, err := net.SplitHostPort(c.MetricsListen); err != nil {
			errs = append(errs, ValidationError{
				Field:   "metrics_listen",
				Message: fmt.Sprintf("invalid listen address %q: %v", c.MetricsListen, err),
			})
		}
	}

	errs = append(errs, c.validateHelpers()...)
	return errs
}

func (c *Config) validateHelpers() ValidationErrors {
	var errs ValidationErrors
	seen := make(map[string]bool)

	for _, h := range c.Helpers {
		field := fmt.Sprintf("helper[%s]", h.Name)

		if !knownHelpers[h.Name] {
			errs = append(errs, ValidationError{Field: field, Message: "unknown helper"})
			continue
		}
		if seen[h.Name] {
			errs = append(errs, ValidationError{Field: field, Message: "duplicate helper block"})
		}
		seen[h.Name] = true

		d, err := time.ParseDuration(h.ExpectTimeout)
		switch {
		case err != nil:
			errs = append(errs, ValidationError{
				Field:   field + ".expect_timeout",
				Message: fmt.Sprintf("invalid duration %q", h.ExpectTimeout),
			})
		case d <= 0:
			errs = append(errs, ValidationError{
				Field:   field + ".expect_timeout",
				Message: "must be positive",
			})
		}

		if h.MaxExpected < 1 {
			errs = append(errs, ValidationError{
				Field:   field + ".max_expected",
				Message: fmt.Sprintf("must be at least 1, got %d", h.MaxExpected),
			})
		}
		if h.MaxPending < 1 {
			errs = append(errs, ValidationError{
				Field:   field + ".max_pending",
				Message: fmt.Sprintf("must be at least 1, got %d", h.MaxPending),
			})
		}
	}
	return errs
}
