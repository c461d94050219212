// SPDX-License-Identifier: ice License 1.0

package terror

import (
	"github.com/pkg/errors"
)

func New(err error, data map[string]any) *Err {
	return &Err{error: err, Data: data}
}

// WithCode attaches a numeric status (HTTP status or close code) and its text to err.
func WithCode(err error, code int, reason string) *Err {
	return New(err, map[string]any{CodeKey: code, ReasonKey: reason})
}

func As(err error) *Err {
	tErr := new(Err)
	if ok := errors.As(err, tErr); ok {
		return tErr
	}

	return nil
}

// Code returns the status attached with WithCode, or 0.
func Code(err error) int {
	if tErr := As(err); tErr != nil {
		if code, ok := tErr.Data[CodeKey].(int); ok {
			return code
		}
	}

	return 0
}

// Reason returns the status text attached with WithCode.
func Reason(err error) string {
	if tErr := As(err); tErr != nil {
		if reason, ok := tErr.Data[ReasonKey].(string); ok {
			return reason
		}
	}

	return ""
}

func (e *Err) Is(er error) bool {
	return errors.Is(er, e.error)
}

func (e *Err) Unwrap() error {
	return e.error
}

func (e *Err) As(err any) bool {
	o, ok := err.(*Err)
	if ok {
		*o = *e
	}

	return ok
}
