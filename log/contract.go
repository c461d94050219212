// SPDX-License-Identifier: ice License 1.0

package log

// Private API.

const (
	applicationYAMLKey = "logger"

	debug = "debug"
	info  = "info"
	warn  = "warn"
)

type (
	cfg struct {
		Encoder string `yaml:"encoder"`
		Level   string `yaml:"level"`
	}
)
