package common

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-viper/mapstructure/v2"
	kjson "github.com/knadh/koanf/parsers/json"
	kyaml "github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	configPathEnv = "CONFIG_PATH"
	configJSONEnv = "CONFIG_JSON"
)

// ConfigManager loads configuration into a typed struct. Sources are merged
// in order: embedded defaults, the file at CONFIG_PATH (yaml or json by
// extension), then a raw CONFIG_JSON env blob for overrides.
type ConfigManager[T any] struct {
	k      *koanf.Koanf
	config T
}

// NewConfigManager loads configuration from all available sources.
func NewConfigManager[T any]() (*ConfigManager[T], error) {
	return NewConfigManagerWithDefaults[T](nil)
}

// NewConfigManagerWithDefaults loads configuration, seeding the merge with
// the given default JSON document.
func NewConfigManagerWithDefaults[T any](defaults []byte) (*ConfigManager[T], error) {
	k := koanf.New(".")

	if len(defaults) > 0 {
		if err := k.Load(rawbytes.Provider(defaults), kjson.Parser()); err != nil {
			return nil, fmt.Errorf("load default config: %w", err)
		}
	}

	if path := os.Getenv(configPathEnv); path != "" {
		parser, err := parserForPath(path)
		if err != nil {
			return nil, err
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if raw := os.Getenv(configJSONEnv); raw != "" {
		if err := k.Load(rawbytes.Provider([]byte(raw)), kjson.Parser()); err != nil {
			return nil, fmt.Errorf("load %s: %w", configJSONEnv, err)
		}
	}

	cm := &ConfigManager[T]{k: k}
	if err := k.UnmarshalWithConf("", &cm.config, koanf.UnmarshalConf{
		Tag: "key",
		DecoderConfig: &mapstructure.DecoderConfig{
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.TextUnmarshallerHookFunc(),
			),
			Result:           &cm.config,
			WeaklyTypedInput: true,
			Squash:           true,
		},
	}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return cm, nil
}

// GetConfig returns the loaded configuration.
func (cm *ConfigManager[T]) GetConfig() T {
	return cm.config
}

func parserForPath(path string) (koanf.Parser, error) {
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		return kyaml.Parser(), nil
	case ".json":
		return kjson.Parser(), nil
	default:
		return nil, fmt.Errorf("unsupported config extension: %s", path)
	}
}
