package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hashicorp/consul/api"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/consul"
	"github.com/knadh/koanf/providers/etcd"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// ConfigType selects where a Loader reads its raw YAML document from.
// finagent supports the teacher's file/consul/etcd sources; zookeeper is
// dropped because finagent does not import go-zookeeper/zk (see
// DESIGN.md).
type ConfigType string

const (
	ConfigTypeFile   ConfigType = "file"
	ConfigTypeConsul ConfigType = "consul"
	ConfigTypeEtcd   ConfigType = "etcd"
)

// ParseConfigType parses a CLI flag or config value into a ConfigType.
func ParseConfigType(s string) (ConfigType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "file":
		return ConfigTypeFile, nil
	case "consul":
		return ConfigTypeConsul, nil
	case "etcd":
		return ConfigTypeEtcd, nil
	default:
		return "", fmt.Errorf("config: invalid config type %q (valid types: file, consul, etcd)", s)
	}
}

// LoaderOptions configures a Loader.
type LoaderOptions struct {
	Type ConfigType

	// Path is the local file path (ConfigTypeFile) or the remote key
	// under which the YAML document is stored (consul/etcd).
	Path string

	// Endpoints overrides the default address for consul/etcd. Unused
	// for ConfigTypeFile.
	Endpoints []string

	// Watch starts a background goroutine that reloads the config on
	// every change the provider reports, invoking OnChange.
	Watch bool

	OnChange func(*Config) error
}

// Loader loads a Config from a koanf-backed source, applying
// environment-variable expansion and defaulting before returning it.
// Grounded on the teacher's koanf-based Loader.
type Loader struct {
	koanf    *koanf.Koanf
	options  LoaderOptions
	parser   *yaml.YAML
	stopChan chan struct{}
	logger   *slog.Logger
}

// NewLoader builds a Loader for opts. Path is required; Type defaults
// to ConfigTypeFile.
func NewLoader(opts LoaderOptions) (*Loader, error) {
	if opts.Type == "" {
		opts.Type = ConfigTypeFile
	}
	if opts.Path == "" {
		return nil, fmt.Errorf("config: path is required")
	}
	if len(opts.Endpoints) == 0 {
		switch opts.Type {
		case ConfigTypeConsul:
			opts.Endpoints = []string{"localhost:8500"}
		case ConfigTypeEtcd:
			opts.Endpoints = []string{"localhost:2379"}
		}
	}

	return &Loader{
		koanf:    koanf.New("."),
		options:  opts,
		parser:   yaml.Parser(),
		stopChan: make(chan struct{}),
		logger:   slog.Default(),
	}, nil
}

func (l *Loader) provider() (koanf.Provider, error) {
	switch l.options.Type {
	case ConfigTypeFile:
		return file.Provider(l.options.Path), nil

	case ConfigTypeConsul:
		consulConfig := api.DefaultConfig()
		consulConfig.Address = l.options.Endpoints[0]
		return consul.Provider(consul.Config{
			Cfg: consulConfig,
			Key: l.options.Path,
		}), nil

	case ConfigTypeEtcd:
		return etcd.Provider(etcd.Config{
			Endpoints:   l.options.Endpoints,
			DialTimeout: 5 * time.Second,
			Key:         l.options.Path,
		}), nil

	default:
		return nil, fmt.Errorf("config: unsupported config type %q", l.options.Type)
	}
}

// parserFor returns the byte parser this source needs: YAML for a raw
// file, nil for consul/etcd whose providers already return a koanf map.
func (l *Loader) parserFor() koanf.Parser {
	if l.options.Type == ConfigTypeFile {
		return l.parser
	}
	return nil
}

// Load reads the source once, expands environment variables, applies
// defaults, validates, and returns the resulting Config. If
// opts.Watch is set, a background goroutine keeps reloading it.
func (l *Loader) Load() (*Config, error) {
	provider, err := l.provider()
	if err != nil {
		return nil, err
	}

	if err := l.koanf.Load(provider, l.parserFor()); err != nil {
		return nil, fmt.Errorf("config: load from %s: %w", l.options.Type, err)
	}

	if err := l.expandEnvVarsInKoanf(); err != nil {
		return nil, fmt.Errorf("config: expand env vars: %w", err)
	}

	cfg, err := l.unmarshalAndProcess()
	if err != nil {
		return nil, err
	}

	if l.options.Watch {
		go l.watch(provider)
	}

	return cfg, nil
}

// Watcher is implemented by koanf providers that support push-based
// change notification (file, consul, etcd).
type Watcher interface {
	Watch(cb func(event interface{}, err error)) error
}

func (l *Loader) watch(provider koanf.Provider) {
	watcher, ok := provider.(Watcher)
	if !ok {
		l.logger.Warn("config source does not support watching", "type", l.options.Type)
		return
	}

	l.logger.Info("config watcher started", "type", l.options.Type)

	err := watcher.Watch(func(event interface{}, err error) {
		select {
		case <-l.stopChan:
			return
		default:
		}

		if err != nil {
			l.logger.Warn("config watch error", "error", err)
			return
		}

		if err := l.koanf.Load(provider, l.parserFor()); err != nil {
			l.logger.Warn("config reload failed", "error", err)
			return
		}
		if err := l.expandEnvVarsInKoanf(); err != nil {
			l.logger.Warn("config reload: env expansion failed", "error", err)
			return
		}

		newCfg, err := l.unmarshalAndProcess()
		if err != nil {
			l.logger.Warn("config reload: processing failed", "error", err)
			return
		}

		if l.options.OnChange == nil {
			l.logger.Warn("config change detected but no OnChange callback set")
			return
		}
		if err := l.options.OnChange(newCfg); err != nil {
			l.logger.Warn("config change callback failed", "error", err)
			return
		}
		l.logger.Info("config reloaded", "type", l.options.Type)
	})
	if err != nil {
		l.logger.Warn("config watch stopped with error", "error", err)
	}
}

func (l *Loader) unmarshalAndProcess() (*Config, error) {
	cfg := &Config{}
	if err := l.koanf.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "yaml"}); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}
	return cfg, nil
}

// expandEnvVarsInKoanf rewrites the loaded koanf tree in place, resolving
// every ${VAR}/${VAR:-default}/$VAR reference at its string leaves.
func (l *Loader) expandEnvVarsInKoanf() error {
	expanded := ExpandEnvVarsInData(l.koanf.Raw())

	expandedMap, ok := expanded.(map[string]interface{})
	if !ok {
		return fmt.Errorf("config: unexpected type after env var expansion: %T", expanded)
	}

	newKoanf := koanf.New(".")
	if err := newKoanf.Load(confmap.Provider(expandedMap, "."), nil); err != nil {
		return fmt.Errorf("config: reload expanded config: %w", err)
	}
	l.koanf = newKoanf
	return nil
}

// Stop ends the background watch goroutine started by Load, if any.
func (l *Loader) Stop() {
	close(l.stopChan)
}

// SetOnChange replaces the reload callback.
func (l *Loader) SetOnChange(callback func(*Config) error) {
	l.options.OnChange = callback
}

// LoadConfig is a convenience wrapper around NewLoader+Load for callers
// that don't need the Loader handle (e.g. to Stop a watch later).
func LoadConfig(opts LoaderOptions) (*Config, error) {
	cfg, _, err := LoadConfigWithLoader(opts)
	return cfg, err
}

// LoadConfigWithLoader is like LoadConfig but also returns the Loader,
// needed to Stop a watch or change OnChange later.
func LoadConfigWithLoader(opts LoaderOptions) (*Config, *Loader, error) {
	loader, err := NewLoader(opts)
	if err != nil {
		return nil, nil, fmt.Errorf("config: create loader: %w", err)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, err
	}
	return cfg, loader, nil
}
