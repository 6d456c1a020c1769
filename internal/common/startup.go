package common

import (
	"os"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"github.com/weaveworks/promrus"
)

const baseConfigFileName = "config"

// LoadConfig reads the base config file from configPath, merges an optional
// user-specified override file on top, applies CONTENDER_* environment
// variables and unmarshals the result into config.
func LoadConfig(config interface{}, configPath string, overrideConfig string) error {
	v := viper.New()
	v.SetConfigName(baseConfigFileName)
	v.AddConfigPath(configPath)
	if err := v.ReadInConfig(); err != nil {
		return errors.Wrapf(err, "error reading base config from %s", configPath)
	}
	log.Infof("Read config from %s", v.ConfigFileUsed())

	if overrideConfig != "" {
		v.SetConfigFile(overrideConfig)
		if err := v.MergeInConfig(); err != nil {
			return errors.Wrapf(err, "error merging config from %s", overrideConfig)
		}
		log.Infof("Merged config from %s", v.ConfigFileUsed())
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix("CONTENDER")
	v.AutomaticEnv()

	err := v.Unmarshal(config, func(dc *mapstructure.DecoderConfig) {
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	})
	return errors.WithStack(err)
}

// ConfigureLogging sets up logrus for console output. Log line counts are
// exported as prometheus metrics via the promrus hook.
func ConfigureLogging() {
	log.SetLevel(readEnvironmentLogLevel())
	log.SetFormatter(&log.TextFormatter{ForceColors: true, FullTimestamp: true})
	log.SetOutput(os.Stdout)
	log.AddHook(promrus.MustNewPrometheusHook())
}

func readEnvironmentLogLevel() log.Level {
	level, ok := os.LookupEnv("LOG_LEVEL")
	if ok {
		logLevel, err := log.ParseLevel(level)
		if err == nil {
			return logLevel
		}
	}
	return log.InfoLevel
}
