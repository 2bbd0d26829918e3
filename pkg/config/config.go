// Package config loads the relay configuration from a YAML file, MESHRELAY_
// environment variables and command line flags, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/kabili207/meshrelay/pkg/hooks"
	"github.com/kabili207/meshrelay/pkg/lifecycle"
	"github.com/kabili207/meshrelay/pkg/logging"
	"github.com/kabili207/meshrelay/pkg/queue"
	"github.com/kabili207/meshrelay/pkg/radio"
	"github.com/kabili207/meshrelay/pkg/relay"
	"github.com/kabili207/meshrelay/pkg/store"
)

const (
	EnvPrefix  = "MESHRELAY"
	configName = "meshrelay"

	// legacyHeartbeatKey predates the health_check section
	legacyHeartbeatKey = "heartbeat_interval"
	heartbeatKey       = "health_check.heartbeat_interval"

	DefaultMsgMapMaxEntries = 1000
)

// ErrInvalidConfig is matched by every validation failure from Load.
var ErrInvalidConfig = errors.New("invalid configuration")

var validate = validator.New()

// Flags maps command line flag names to configuration keys. Only flags the
// user actually set override the file and environment.
var Flags = map[string]string{
	"log-level":      "log.level",
	"db":             "database.path",
	"http-listen":    "http.listen_addr",
	"gateway-listen": "gateway.listen_addr",
	"radio-backend":  "radio.backend",
	"radio-host":     "radio.host",
}

type Config struct {
	Radio          radio.Config              `mapstructure:"radio"`
	HealthCheck    lifecycle.HealthConfig    `mapstructure:"health_check"`
	Reconnect      lifecycle.ReconnectConfig `mapstructure:"reconnect"`
	ConnectTimeout time.Duration             `mapstructure:"connect_timeout" validate:"gte=0"`
	Queue          queue.Config              `mapstructure:"queue"`
	Database       DatabaseConfig            `mapstructure:"database"`
	Relay          relay.Config              `mapstructure:"relay"`
	Gateway        hooks.GatewayConfig       `mapstructure:"gateway"`
	HTTP           HTTPConfig                `mapstructure:"http"`
	Log            logging.Config            `mapstructure:"log"`
}

type DatabaseConfig struct {
	store.Config `mapstructure:",squash"`
	MsgMap       MsgMapConfig `mapstructure:"msg_map"`
}

type MsgMapConfig struct {
	// MaxEntries caps stored message mappings; zero keeps everything
	MaxEntries int `mapstructure:"max_entries" validate:"gte=0"`
}

type HTTPConfig struct {
	// ListenAddr serves the status API; empty disables it
	ListenAddr string `mapstructure:"listen_addr"`
}

// Default returns the configuration used for anything not set explicitly.
func Default() Config {
	lc := lifecycle.DefaultConfig()
	return Config{
		Radio: radio.Config{
			Backend:        "meshtastic",
			ConnectionType: radio.ConnectionTCP,
		},
		HealthCheck:    lc.Health,
		Reconnect:      lc.Reconnect,
		ConnectTimeout: lc.ConnectTimeout,
		Queue: queue.Config{
			MaxSize:      queue.DefaultMaxSize,
			MessageDelay: queue.DefaultMessageDelay,
		},
		Database: DatabaseConfig{
			Config: store.Config{
				Path:          configName + ".sqlite",
				EnableWAL:     true,
				BusyTimeoutMS: store.DefaultBusyTimeoutMS,
				Workers:       store.DefaultWorkers,
			},
			MsgMap: MsgMapConfig{MaxEntries: DefaultMsgMapMaxEntries},
		},
		Relay: relay.Config{
			DedupTTL: relay.DefaultDedupTTL,
		},
		Gateway: hooks.GatewayConfig{
			ListenAddr:  hooks.DefaultListenAddr,
			TopicPrefix: hooks.DefaultTopicPrefix,
		},
		HTTP: HTTPConfig{ListenAddr: ":8080"},
		Log:  logging.DefaultConfig(),
	}
}

// Lifecycle returns the connection manager's view of the configuration.
func (c *Config) Lifecycle() lifecycle.Config {
	return lifecycle.Config{
		Health:         c.HealthCheck,
		Reconnect:      c.Reconnect,
		ConnectTimeout: c.ConnectTimeout,
		Radio:          c.Radio,
	}
}

// RelayConfig returns the relay section with the message map cap and the
// radio's meshnet applied.
func (c *Config) RelayConfig() relay.Config {
	rc := c.Relay
	rc.MsgMapMaxEntries = c.Database.MsgMap.MaxEntries
	rc.MeshnetName = c.Radio.MeshnetName
	return rc
}

// Load reads the configuration. An empty path searches the working directory
// and /etc/meshrelay for meshrelay.yaml and tolerates its absence; an
// explicit path must exist. flags may be nil.
func Load(path string, flags *pflag.FlagSet, log *slog.Logger) (*Config, error) {
	if log == nil {
		log = slog.Default()
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := Default()
	bindEnvs(v, reflect.TypeOf(cfg), "")
	_ = v.BindEnv(legacyHeartbeatKey)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(configName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/" + configName)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		log.Debug("no config file found, using defaults and environment")
	} else {
		log.Debug("loaded config file", "path", v.ConfigFileUsed())
	}

	if flags != nil {
		for name, key := range Flags {
			if f := flags.Lookup(name); f != nil && f.Changed {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	if v.IsSet(legacyHeartbeatKey) && !v.IsSet(heartbeatKey) {
		log.Warn("top-level heartbeat_interval is deprecated, use health_check.heartbeat_interval")
		v.Set(heartbeatKey, v.Get(legacyHeartbeatKey))
	}

	err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		secondsToDurationHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints and the rules that span sections.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	mqtt := c.Radio.ConnectionType == radio.ConnectionMQTT || c.Radio.Backend == radio.ConnectionMQTT
	if mqtt && c.Radio.MQTT.Broker == "" {
		return fmt.Errorf("%w: radio.mqtt.broker is required for mqtt connections", ErrInvalidConfig)
	}
	if c.Gateway.PasswordHash != "" && c.Gateway.Username == "" {
		return fmt.Errorf("%w: gateway.username is required with gateway.password_hash", ErrInvalidConfig)
	}
	if c.Queue.HighWaterMark > 0 && c.Queue.MaxSize > 0 && c.Queue.HighWaterMark > c.Queue.MaxSize {
		return fmt.Errorf("%w: queue.high_water_mark exceeds queue.max_size", ErrInvalidConfig)
	}
	return nil
}

// bindEnvs registers every scalar key of t so AutomaticEnv can see it during
// Unmarshal.
func bindEnvs(v *viper.Viper, t reflect.Type, prefix string) {
	for i := range t.NumField() {
		f := t.Field(i)
		tag := f.Tag.Get("mapstructure")
		name, opts, _ := strings.Cut(tag, ",")
		if name == "-" {
			continue
		}

		key := prefix
		if opts != "squash" {
			if name == "" {
				name = strings.ToLower(f.Name)
			}
			key = joinKey(prefix, name)
		}

		switch {
		case f.Type.Kind() == reflect.Struct:
			bindEnvs(v, f.Type, key)
		case f.Type.Kind() == reflect.Map:
		case f.Type.Kind() == reflect.Slice && f.Type.Elem().Kind() == reflect.Struct:
		default:
			_ = v.BindEnv(key)
		}
	}
}

func joinKey(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}

// secondsToDurationHookFunc reads bare numbers as seconds, so legacy configs
// with "heartbeat_interval: 60" keep their meaning.
func secondsToDurationHookFunc() mapstructure.DecodeHookFuncType {
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		var secs float64
		switch from.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			secs = float64(reflect.ValueOf(data).Int())
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			secs = float64(reflect.ValueOf(data).Uint())
		case reflect.Float32, reflect.Float64:
			secs = reflect.ValueOf(data).Float()
		case reflect.String:
			f, err := strconv.ParseFloat(reflect.ValueOf(data).String(), 64)
			if err != nil {
				return data, nil
			}
			secs = f
		default:
			return data, nil
		}
		return time.Duration(secs * float64(time.Second)), nil
	}
}
