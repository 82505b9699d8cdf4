package tradecsv

import "fmt"

// ParseError reports a numeric field that could not be converted.
type ParseError struct {
	Line   int
	Column string
	Value  string
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("tradecsv: line %d: column %s: cannot parse %q: %v", e.Line, e.Column, e.Value, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// MalformedError reports input whose structure or tokens are not recognized,
// such as a missing header column or an unknown maker flag.
type MalformedError struct {
	Line   int
	Column string
	Value  string
	Reason string
	Err    error // underlying validation failure, if any
}

func (e *MalformedError) Error() string {
	if e.Column == "" {
		return fmt.Sprintf("tradecsv: line %d: %s", e.Line, e.Reason)
	}
	if e.Value == "" {
		return fmt.Sprintf("tradecsv: line %d: column %s: %s", e.Line, e.Column, e.Reason)
	}
	return fmt.Sprintf("tradecsv: line %d: column %s: %s: %q", e.Line, e.Column, e.Reason, e.Value)
}

func (e *MalformedError) Unwrap() error {
	return e.Err
}
