// Package sweeperd wires the standalone sweeper daemon: it loads the
// YAML configuration, connects the storage backend and lock provider,
// builds the tracker groups and runs the periodic sweeper.
package sweeperd

import (
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/geminixiang/dictrack/internal/pkg/utils/errors"
	"github.com/geminixiang/dictrack/pkg/dictrack"
	"github.com/geminixiang/dictrack/pkg/duration"
)

type Config struct {
	// LogLevel is one of debug, info, warn, error.
	LogLevel      string        `mapstructure:"logLevel"`
	SweepInterval time.Duration `mapstructure:"sweepInterval"`
	Storage       StorageConfig `mapstructure:"storage"`
	Locks         LocksConfig   `mapstructure:"locks"`
	Groups        []GroupConfig `mapstructure:"groups"`
}

type StorageConfig struct {
	// Type is one of memory, redis, mongodb.
	Type    string        `mapstructure:"type"`
	Redis   RedisConfig   `mapstructure:"redis"`
	MongoDB MongoDBConfig `mapstructure:"mongodb"`
}

type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type MongoDBConfig struct {
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
}

type LocksConfig struct {
	// Type is one of memory, redis.
	Type string `mapstructure:"type"`
	// TTL is the lease duration of a distributed lock.
	TTL           time.Duration `mapstructure:"ttl"`
	RetryInterval time.Duration `mapstructure:"retryInterval"`
	Redis         RedisConfig   `mapstructure:"redis"`
}

type GroupConfig struct {
	Name        string                    `mapstructure:"name"`
	Policy      dictrack.CompletionPolicy `mapstructure:"policy"`
	AutoCreate  bool                      `mapstructure:"autoCreate"`
	LockTimeout time.Duration             `mapstructure:"lockTimeout"`
	GracePeriod time.Duration             `mapstructure:"gracePeriod"`
	Conditions  []dictrack.Definition     `mapstructure:"conditions"`
	Limiter     *dictrack.LimiterConfig   `mapstructure:"limiter"`
}

// LoadConfig reads the YAML configuration file,
// ENVs with the DICTRACK_ prefix override file values.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("DICTRACK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("logLevel", "info")
	v.SetDefault("sweepInterval", "10s")
	v.SetDefault("storage.type", "memory")
	v.SetDefault("locks.type", "memory")
	v.SetDefault("locks.ttl", "15s")
	v.SetDefault("locks.retryInterval", "100ms")

	if err := v.ReadInConfig(); err != nil {
		return Config{}, errors.PrefixErrorf(err, `cannot read config file "%s"`, path)
	}

	cfg := Config{}
	err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		stringToDurationWrapperHook(),
	)))
	if err != nil {
		return Config{}, errors.PrefixErrorf(err, `cannot parse config file "%s"`, path)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, errors.PrefixErrorf(err, `invalid config file "%s"`, path)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	errs := errors.NewMultiError()
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
		// ok
	default:
		errs.Append(errors.Errorf(`unexpected log level "%s"`, c.LogLevel))
	}
	if c.SweepInterval <= 0 {
		errs.Append(errors.New("sweep interval must be positive"))
	}
	switch c.Storage.Type {
	case "memory":
		// ok
	case "redis":
		if c.Storage.Redis.Address == "" {
			errs.Append(errors.New("storage.redis.address is not set"))
		}
	case "mongodb":
		if c.Storage.MongoDB.URI == "" {
			errs.Append(errors.New("storage.mongodb.uri is not set"))
		}
		if c.Storage.MongoDB.Database == "" {
			errs.Append(errors.New("storage.mongodb.database is not set"))
		}
	default:
		errs.Append(errors.Errorf(`unexpected storage type "%s"`, c.Storage.Type))
	}
	switch c.Locks.Type {
	case "memory":
		// ok
	case "redis":
		if c.Locks.Redis.Address == "" && c.Storage.Redis.Address == "" {
			errs.Append(errors.New("locks.redis.address is not set"))
		}
	default:
		errs.Append(errors.Errorf(`unexpected locks type "%s"`, c.Locks.Type))
	}
	if len(c.Groups) == 0 {
		errs.Append(errors.New("no groups configured"))
	}
	seen := make(map[string]bool)
	for _, group := range c.Groups {
		if group.Name == "" {
			errs.Append(errors.New("group name is not set"))
			continue
		}
		if seen[group.Name] {
			errs.Append(errors.Errorf(`duplicate group "%s"`, group.Name))
		}
		seen[group.Name] = true
	}
	return errs.ErrorOrNil()
}

// stringToDurationWrapperHook decodes "24h" style strings
// into the duration wrapper type used by condition definitions.
func stringToDurationWrapperHook() mapstructure.DecodeHookFuncType {
	durationType := reflect.TypeOf(duration.Duration(0))
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if from.Kind() != reflect.String || to != durationType {
			return data, nil
		}
		parsed, err := time.ParseDuration(data.(string))
		if err != nil {
			return nil, err
		}
		return duration.From(parsed), nil
	}
}
