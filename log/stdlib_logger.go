// SPDX-License-Identifier: ice License 1.0
//go:build !zerolog

package log

import (
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/pkg/errors"

	"github.com/ice-blockchain/wsupgrade/config"
)

// .
var (
	//nolint:gochecknoglobals // Immutable singleton.
	appCfg cfg
)

//nolint:gochecknoinits // log is global, so it's initialization can be done in init
func init() {
	log.SetFlags(log.LstdFlags | log.Lmsgprefix | log.LUTC | log.Lshortfile | log.Lmicroseconds)
	config.MustLoadFromKey(applicationYAMLKey, &appCfg)
}

// enabled reports whether messages of the given level pass the configured threshold.
func enabled(level string) bool {
	order := map[string]int{debug: 0, info: 1, warn: 2} //nolint:mnd // Ranking, not magic.
	configured, ok := order[strings.ToLower(appCfg.Level)]
	if !ok {
		configured = order[info]
	}
	current, ok := order[level]

	return !ok || current >= configured
}

func printf(prefix, msg string, fields ...any) {
	var sb strings.Builder
	sb.WriteString(prefix)
	sb.WriteString(":")
	sb.WriteString(msg)
	for i := 0; i < len(fields); i += 2 {
		if i+1 < len(fields) {
			fmt.Fprintf(&sb, " %v=%v", fields[i], fields[i+1])
		} else {
			fmt.Fprintf(&sb, " %v", fields[i])
		}
	}
	_ = log.Output(3, sb.String()) //nolint:errcheck,mnd // Skip printf and the public wrapper.
}

func Error(err error, fields ...any) {
	if err == nil {
		return
	}
	printf("ERROR", err.Error(), fields...)
}

func Debug(msg string, fields ...any) {
	if enabled(debug) {
		printf("DEBUG", msg, fields...)
	}
}

func Info(msg string, fields ...any) {
	if enabled(info) {
		printf("INFO", msg, fields...)
	}
}

func Warn(msg string, fields ...any) {
	if enabled(warn) {
		printf("WARN", msg, fields...)
	}
}

func Fatal(anything any, fields ...any) {
	if anything == nil {
		return
	}
	defer os.Exit(1)
	Error(asError(anything), fields...)
}

func Panic(anything any, fields ...any) {
	if anything == nil {
		return
	}
	defer func() {
		panic(anything)
	}()
	Error(asError(anything), fields...)
}

func Level() string {
	return appCfg.Level
}

func asError(anything any) error {
	switch obj := anything.(type) {
	case error:
		return obj
	case string:
		return errors.New(obj)
	default:
		return errors.Errorf("%#v", obj)
	}
}
