// SPDX-License-Identifier: ice License 1.0
//go:build zerolog

package log

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/pkgerrors"

	"github.com/ice-blockchain/wsupgrade/config"
)

const (
	stackFramesToSkip = 2
)

// .
var (
	//nolint:gochecknoglobals // we need only one log for the app, hence it is global
	logger *zerolog.Logger
)

//nolint:gochecknoinits // log is global, so it's initialization can be done in init
func init() {
	var appCfg cfg
	config.MustLoadFromKey(applicationYAMLKey, &appCfg)

	isJSON := strings.EqualFold(appCfg.Encoder, "json")
	zerolog.DisableSampling(true)
	zerolog.ErrorStackMarshaler = errorStackMarshaller //nolint:reassign // It is called by an init.
	zerolog.InterfaceMarshalFunc = json.Marshal
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.DurationFieldUnit = time.Nanosecond
	zerolog.TimestampFunc = func() time.Time {
		return time.Now().UTC()
	}

	var err error
	if logger, err = buildLogger(isJSON, appCfg.Level); err != nil {
		panic(errors.Wrap(err, "failed to build setup logger"))
	}
	stdLib, err := buildLogger(isJSON, appCfg.Level)
	if err != nil {
		panic(errors.Wrap(err, "failed to build setup std lib logger"))
	}
	log.SetFlags(0)
	log.SetOutput(stdLib)
}

func buildLogger(isJSON bool, level string) (*zerolog.Logger, error) { //nolint:revive // Control coupling is intended here.
	var logWriter io.Writer = os.Stderr
	if !isJSON {
		logWriter = &zerolog.ConsoleWriter{
			Out:        logWriter,
			TimeFormat: time.RFC3339Nano,
			PartsOrder: []string{
				zerolog.LevelFieldName,
				zerolog.TimestampFieldName,
				zerolog.MessageFieldName,
			},
			PartsExclude: []string{
				zerolog.ErrorStackFieldName,
				zerolog.CallerFieldName,
			},
		}
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return nil, errors.Wrap(err, "invalid logger level")
	}
	lgr := zerolog.New(logWriter).With().Timestamp().Stack().Logger().Level(lvl)

	return &lgr, nil
}

func errorStackMarshaller(err error) any {
	m := pkgerrors.MarshalStack(err)
	if m == nil {
		return nil
	}
	frames, ok := m.([]map[string]string)
	if !ok || len(frames) <= stackFramesToSkip {
		return nil
	}
	stacks := make([]string, 0, len(frames)-stackFramesToSkip)
	for _, frame := range frames[:len(frames)-stackFramesToSkip] {
		stacks = append(stacks, fmt.Sprintf("%s:%s:%s",
			frame[pkgerrors.StackSourceFileName],
			frame[pkgerrors.StackSourceLineName],
			frame[pkgerrors.StackSourceFunctionName]))
	}

	return strings.Join(stacks, "<<")
}

func withFields(event *zerolog.Event, fields []any) *zerolog.Event {
	if len(fields) > 0 {
		return event.Fields(fields)
	}

	return event
}

func Error(err error, fields ...any) {
	if err == nil {
		return
	}
	withFields(logger.Err(err), fields).Send()
}

func Debug(msg string, fields ...any) {
	withFields(logger.Debug(), fields).Msg(msg)
}

func Info(msg string, fields ...any) {
	withFields(logger.Info(), fields).Msg(msg)
}

func Warn(msg string, fields ...any) {
	withFields(logger.Warn(), fields).Msg(msg)
}

func Fatal(anything any, fields ...any) {
	if anything == nil {
		return
	}
	event := withFields(logger.Fatal(), fields)
	switch obj := anything.(type) {
	case error:
		event.Err(obj).Send()
	case string:
		event.Msg(obj)
	default:
		event.Err(errors.Errorf("%#v", obj)).Send()
	}
}

func Panic(anything any, fields ...any) {
	if anything == nil {
		return
	}
	event := withFields(logger.Panic(), fields)
	switch obj := anything.(type) {
	case error:
		event.Err(obj).Send()
	case string:
		event.Err(errors.New(obj)).Send()
	default:
		event.Err(errors.Errorf("%#v", obj)).Send()
	}
}

func Level() string {
	return logger.GetLevel().String()
}
