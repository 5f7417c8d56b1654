// Package config loads the server configuration surface named in
// spec §6: bind address, RFC 7252 transmission parameters, DTLS-PSK
// settings and observer backend selection. Grounded on the koanf/v2
// file+env loader used elsewhere in the retrieved example pack.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/mitchellh/mapstructure"
)

// Config is the complete coapum server configuration.
type Config struct {
	Addr  string      `koanf:"addr"`
	Log   LogConfig   `koanf:"log"`
	CoAP  CoAPConfig  `koanf:"coap"`
	DTLS  DTLSConfig  `koanf:"dtls"`
	Observer ObserverConfig `koanf:"observer"`
}

// LogConfig controls the default logrus-backed logger.
type LogConfig struct {
	Level string `koanf:"level"`
}

// CoAPConfig holds the RFC 7252 §4.8 transmission parameters (spec §6).
type CoAPConfig struct {
	AckTimeout       time.Duration `koanf:"ack_timeout"`
	AckRandomFactor  float64       `koanf:"ack_random_factor"`
	MaxRetransmit    int           `koanf:"max_retransmit"`
	NStart           int           `koanf:"nstart"`
	ExchangeLifetime time.Duration `koanf:"exchange_lifetime"`
	MaxMessageSize   int           `koanf:"max_message_size"`
}

// DTLSConfig enables and configures the optional DTLS 1.2 PSK transport (spec §6).
type DTLSConfig struct {
	Enabled      bool     `koanf:"enabled"`
	IdentityHint string   `koanf:"identity_hint"`
	// PSKFile maps identity hints to hex-encoded keys, one "hint:hexkey"
	// pair per line; resolved into a transport.PSKConfig.LookupKey by
	// the caller, which knows how the keys are actually provisioned.
	PSKFile string `koanf:"psk_file"`
}

// ObserverConfig selects and configures the observer subsystem's
// persistence backend (spec §6 "observer backend selection").
type ObserverConfig struct {
	// Backend is "memory" or "bolt".
	Backend string `koanf:"backend"`
	// BoltPath is the bbolt database file path when Backend == "bolt".
	BoltPath string `koanf:"bolt_path"`
}

// DefaultConfig returns the RFC 7252 §4.8 recommended defaults plus an
// in-memory observer backend, matching session.DefaultConfig (spec §4.2).
func DefaultConfig() *Config {
	return &Config{
		Addr: ":5683",
		Log:  LogConfig{Level: "info"},
		CoAP: CoAPConfig{
			AckTimeout:       2 * time.Second,
			AckRandomFactor:  1.5,
			MaxRetransmit:    4,
			NStart:           1,
			ExchangeLifetime: 247 * time.Second,
			MaxMessageSize:   1152,
		},
		Observer: ObserverConfig{Backend: "memory"},
	}
}

// envPrefix is the environment variable prefix for coapum configuration.
// Variables are named COAPUM_<section>_<key>, e.g. COAPUM_COAP_NSTART.
const envPrefix = "COAPUM_"

// Load reads configuration from a YAML file at path (if non-empty),
// overlays COAPUM_-prefixed environment variables, and merges on top
// of DefaultConfig. A missing path is not an error: env and defaults
// alone are a valid configuration.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("config: load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("config: load %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("config: load env overrides: %w", err)
	}

	// time.Duration fields are seeded as strings (loadDefaults) and may
	// arrive from YAML/env as strings too; mapstructure's default decoder
	// doesn't know how to turn "2s" into a time.Duration without this hook.
	cfg := &Config{}
	uc := koanf.UnmarshalConf{
		DecoderConfig: &mapstructure.DecoderConfig{
			DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
			Result:           cfg,
			WeaklyTypedInput: true,
		},
	}
	if err := k.UnmarshalWithConf("", cfg, uc); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}
	return cfg, nil
}

func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.Replace(s, "_", ".", 1)
}

func loadDefaults(k *koanf.Koanf, d *Config) error {
	defaultMap := map[string]any{
		"addr":                      d.Addr,
		"log.level":                 d.Log.Level,
		"coap.ack_timeout":          d.CoAP.AckTimeout.String(),
		"coap.ack_random_factor":    d.CoAP.AckRandomFactor,
		"coap.max_retransmit":       d.CoAP.MaxRetransmit,
		"coap.nstart":               d.CoAP.NStart,
		"coap.exchange_lifetime":    d.CoAP.ExchangeLifetime.String(),
		"coap.max_message_size":     d.CoAP.MaxMessageSize,
		"dtls.enabled":              d.DTLS.Enabled,
		"observer.backend":          d.Observer.Backend,
	}
	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}
	return nil
}

var (
	ErrEmptyAddr           = errors.New("config: addr must not be empty")
	ErrInvalidNStart       = errors.New("config: coap.nstart must be >= 1")
	ErrInvalidMaxRetransmit = errors.New("config: coap.max_retransmit must be >= 0")
	ErrInvalidObserverBackend = errors.New("config: observer.backend must be \"memory\" or \"bolt\"")
	ErrMissingBoltPath     = errors.New("config: observer.bolt_path is required when backend is \"bolt\"")
)

// Validate checks cfg for logical errors, returning the first one found.
func Validate(cfg *Config) error {
	if cfg.Addr == "" {
		return ErrEmptyAddr
	}
	if cfg.CoAP.NStart < 1 {
		return ErrInvalidNStart
	}
	if cfg.CoAP.MaxRetransmit < 0 {
		return ErrInvalidMaxRetransmit
	}
	switch cfg.Observer.Backend {
	case "memory":
	case "bolt":
		if cfg.Observer.BoltPath == "" {
			return ErrMissingBoltPath
		}
	default:
		return ErrInvalidObserverBackend
	}
	return nil
}
