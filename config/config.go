// SPDX-License-Identifier: ice License 1.0

package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const (
	applicationYAML = "application.yaml"
	dotEnvDepth     = 5
)

//nolint:gochecknoinits // Because we load the configs once, for the whole runtime
func init() {
	loadDotEnv()
	loadFirstApplicationConfigFile()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
}

// MustLoadFromKey decodes the subtree under key into cfg, panicking if it can't.
func MustLoadFromKey(key string, cfg any) {
	if err := viper.UnmarshalKey(key, cfg); err != nil {
		log.Panic(errors.Wrapf(err, "failed to load config by key %q", key))
	}
}

func loadDotEnv() {
	dotEnvPath := `.env`
	for range dotEnvDepth {
		if err := godotenv.Load(dotEnvPath); err == nil {
			return
		}
		dotEnvPath = fmt.Sprintf(`../%v`, dotEnvPath)
	}
}

func loadFirstApplicationConfigFile() {
	for _, f := range applicationConfigFiles() {
		viper.SetConfigFile(f)
		if err := viper.ReadInConfig(); err == nil {
			return
		} else if !errors.Is(err, os.ErrNotExist) {
			log.Panic(err)
		}
	}

	log.Panic(errors.Errorf("could not find any %v files", applicationYAML))
}

func applicationConfigFiles() []string {
	dirs := make([]string, 0, 4) //nolint:mnd // cwd, executable, module root and its parent.
	if p, err := os.Getwd(); err == nil {
		dirs = append(dirs, filepath.Join(p, ".testdata"), p)
	}
	if p, err := os.Executable(); err == nil {
		dirs = append(dirs, filepath.Dir(filepath.Dir(p)))
	}
	//nolint:dogsled // Because those 3 blank identifiers are useless
	_, callerFile, _, _ := runtime.Caller(0)
	dirs = append(dirs, filepath.Join(filepath.Dir(callerFile), ".."), filepath.Join(filepath.Dir(callerFile), "..", ".."))

	var files []string
	for _, dir := range dirs {
		pattern := filepath.Join(dir, applicationYAML)
		f, err := filepath.Glob(pattern)
		if err != nil {
			log.Println(errors.Wrapf(err, "glob failed for [%v]", pattern))

			continue
		}
		files = append(files, f...)
	}

	return files
}
