package format

import "fmt"

// FormatError reports an unregistered format or a format used in a role it
// cannot fill (for example an exponent-only format as block elements).
type FormatError struct {
	Format ElementFormat
	Other  ElementFormat
	Reason string
}

func (e *FormatError) Error() string {
	if e.Other != Invalid {
		return fmt.Sprintf("format: %s x %s: %s", e.Format, e.Other, e.Reason)
	}
	return fmt.Sprintf("format: %s: %s", e.Format, e.Reason)
}
