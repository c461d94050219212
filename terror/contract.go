// SPDX-License-Identifier: ice License 1.0

package terror

// Public API.

const (
	CodeKey   = "code"
	ReasonKey = "reason"
)

type (
	Err struct {
		error
		Data map[string]any `json:"data"`
	}
)
