// Package hints labels "soft failures": errors that signal a step was skipped
// or declined rather than broken.
//
// The backup pipeline produces several such conditions (retention disabled,
// nothing staged to download, the operator declining the consent prompt). They
// must flow through error returns so callers can unwind, but they are not
// failures that should flip the exit status or trigger alerts. Producers label
// them as hints; consumers detect the label behaviorally without importing the
// producing package's sentinels.
package hints

import "errors"

type hintErr struct {
	err error
}

func (h *hintErr) Error() string {
	if h == nil || h.err == nil {
		return "unknown hint"
	}
	return h.err.Error()
}
func (h *hintErr) IsHint() bool  { return true }
func (h *hintErr) Unwrap() error { return h.err }

// New creates a hint from a string.
func New(msg string) error {
	return &hintErr{err: errors.New(msg)}
}

// Wrap takes an existing error and "promotes" it to a hint.
func Wrap(err error) error {
	if err == nil {
		return nil
	}
	return &hintErr{err: err}
}

// IsHint checks if any error in the chain behaves like a hint.
func IsHint(err error) bool {
	var h interface{ IsHint() bool }
	return errors.As(err, &h) && h.IsHint()
}

// Is checks if the error is a hint AND matches the target error.
func Is(err, target error) bool {
	return IsHint(err) && errors.Is(err, target)
}
