// genqueue/config/config.go
package config

import (
	"reflect"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

type Config struct {
	FalKey          string        `mapstructure:"FAL_KEY"`
	FalBaseURL      string        `mapstructure:"FAL_BASE_URL"`
	RequestTimeout  time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	MaxResponseSize int64         `mapstructure:"MAX_RESPONSE_SIZE"`
	MaxConcurrency  int           `mapstructure:"MAX_CONCURRENCY"`
	PollInterval    time.Duration `mapstructure:"POLL_INTERVAL"`
	PollTimeout     time.Duration `mapstructure:"POLL_TIMEOUT"` // 0 polls until the backend reports a terminal state
	ImageDefaults   string        `mapstructure:"IMAGE_DEFAULTS"`
	VideoDefaults   string        `mapstructure:"VIDEO_DEFAULTS"`
	HistoryLimit    int           `mapstructure:"HISTORY_LIMIT"`
	AuthEnable      bool          `mapstructure:"AUTH_ENABLE"`
	AuthKey         string        `mapstructure:"AUTH_KEY"`
	Port            string        `mapstructure:"PORT"`
	LogLevel        string        `mapstructure:"LOG_LEVEL"`
}

// stringToDurationHookFunc is a custom Viper hook for parsing Go's duration strings.
func stringToDurationHookFunc() mapstructure.DecodeHookFunc {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		return time.ParseDuration(data.(string))
	}
}

// stringToByteSizeHookFunc is a custom Viper hook for parsing human-readable size strings.
func stringToByteSizeHookFunc() mapstructure.DecodeHookFunc {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if f.Kind() != reflect.String || t.Kind() != reflect.Int64 {
			return data, nil
		}

		var size datasize.ByteSize
		err := size.UnmarshalText([]byte(data.(string)))
		if err != nil {
			// Not a valid size string, let other parsers handle it.
			return data, nil
		}

		return int64(size.Bytes()), nil
	}
}

func Load() (*Config, error) {
	vp := viper.New()

	// Set default values as strings, the hooks will handle them.
	vp.SetDefault("FAL_KEY", "")
	vp.SetDefault("FAL_BASE_URL", "https://queue.fal.run")
	vp.SetDefault("REQUEST_TIMEOUT", "30s")
	vp.SetDefault("MAX_RESPONSE_SIZE", "32MB")
	vp.SetDefault("MAX_CONCURRENCY", 2)
	vp.SetDefault("POLL_INTERVAL", "2s")
	vp.SetDefault("POLL_TIMEOUT", "0s")
	vp.SetDefault("IMAGE_DEFAULTS", "num_images=1 enable_safety_checker=false safety_tolerance=6 output_format=jpeg")
	vp.SetDefault("VIDEO_DEFAULTS", "resolution=720p aspect_ratio=16:9 inference_steps=30")
	vp.SetDefault("HISTORY_LIMIT", 1000)
	vp.SetDefault("AUTH_ENABLE", false)
	vp.SetDefault("AUTH_KEY", "")
	vp.SetDefault("PORT", "8080")
	vp.SetDefault("LOG_LEVEL", "info")

	// Load from config file
	vp.SetConfigName("genqueue_config")
	vp.SetConfigType("yaml")
	vp.AddConfigPath(".")
	vp.AddConfigPath("/etc/genqueue/")

	if err := vp.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	// Load from environment variables
	vp.SetEnvPrefix("GENQUEUE")
	vp.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vp.AutomaticEnv()

	var cfg Config
	// The order matters: the first hook that succeeds is used.
	err := vp.Unmarshal(&cfg, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			stringToDurationHookFunc(),
			stringToByteSizeHookFunc(),
		),
	))
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}
