package rules

import "fmt"

// ConfigurationError reports a malformed or invalid rule. Loading never
// silently repairs a rule; the offending rule and field are carried for
// the caller.
type ConfigurationError struct {
	Rule  string
	Field string
	Msg   string
	Err   error
}

func (e *ConfigurationError) Error() string {
	switch {
	case e.Rule != "" && e.Field != "":
		return fmt.Sprintf("invalid rule %q: field %q: %s", e.Rule, e.Field, e.Msg)
	case e.Rule != "":
		return fmt.Sprintf("invalid rule %q: %s", e.Rule, e.Msg)
	default:
		return fmt.Sprintf("invalid rule configuration: %s", e.Msg)
	}
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

func configErr(rule, field, format string, args ...interface{}) *ConfigurationError {
	return &ConfigurationError{Rule: rule, Field: field, Msg: fmt.Sprintf(format, args...)}
}

// RuleError reports a registry conflict such as duplicate registration.
type RuleError struct {
	Rule string
	Msg  string
}

func (e *RuleError) Error() string {
	return fmt.Sprintf("rule %q: %s", e.Rule, e.Msg)
}
