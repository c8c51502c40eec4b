package domain

import "fmt"

// ConfigError reports a malformed rulebook or reference table.
// It is fatal at load time: a process must not serve with an invalid registry.
type ConfigError struct {
	Source string
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	msg := "config error"
	if e.Source != "" {
		msg += " in " + e.Source
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigError) Unwrap() error { return e.Err }

// ConfigErrorf builds a ConfigError with a formatted reason.
func ConfigErrorf(source, format string, args ...any) *ConfigError {
	return &ConfigError{Source: source, Reason: fmt.Sprintf(format, args...)}
}

// InputError reports a structurally invalid assessment input.
// No assessment is produced for the call.
type InputError struct {
	Field  string
	Reason string
	Err    error
}

func (e *InputError) Error() string {
	msg := "invalid input"
	if e.Field != "" {
		msg += " at " + e.Field
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *InputError) Unwrap() error { return e.Err }
