// Package config loads publisher and receiver settings from a YAML or JSON
// document, with environment variable overrides.
//
// Document shape:
//
//	Publisher:
//	  Settings:
//	    AppName: orders
//	    Address: sales.orders
//	    Namespace: broker.local:5671
//	    Policy: sender
//	    Key: secret
//	    Protocol: amqps
//	    Durable: 1
//	Receiver:
//	  Settings:
//	    ...
//
// The flat form with dotted top-level keys is accepted as well:
//
//	{"Publisher.Settings": {"Address": "sales.orders", ...}, "Receiver.Settings": {...}}
//
// A role configured in both forms is rejected.
//
// Every key can be overridden with DOMAINEVENT_<ROLE>_<KEY>, for example
// DOMAINEVENT_RECEIVER_KEY. Settings are not validated here.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/glimte/domainevent-go/contracts"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "DOMAINEVENT"

var (
	ErrUnsupportedFormat = errors.New("config: unsupported file format")
	ErrInvalidValue      = errors.New("config: invalid value")
	ErrDuplicateSection  = errors.New("config: section set twice")
)

// Settings is the on-disk form of contracts.ServiceBusSettings
type Settings struct {
	AppName   string `yaml:"AppName"`
	Address   string `yaml:"Address"`
	Key       string `yaml:"Key"`
	Namespace string `yaml:"Namespace"`
	Policy    string `yaml:"Policy"`
	Protocol  string `yaml:"Protocol"`
	Durable   uint32 `yaml:"Durable"`
}

// Section wraps the settings of one role
type Section struct {
	Settings Settings `yaml:"Settings"`
}

// File is the whole document
type File struct {
	Publisher Section `yaml:"Publisher"`
	Receiver  Section `yaml:"Receiver"`

	PublisherSettings *Settings `yaml:"Publisher.Settings"`
	ReceiverSettings  *Settings `yaml:"Receiver.Settings"`
}

// flatten folds the dotted top-level sections into the nested ones
func (f *File) flatten() error {
	if err := fold("Publisher", &f.Publisher, f.PublisherSettings); err != nil {
		return err
	}
	return fold("Receiver", &f.Receiver, f.ReceiverSettings)
}

func fold(role string, nested *Section, flat *Settings) error {
	if flat == nil {
		return nil
	}
	if nested.Settings != (Settings{}) {
		return fmt.Errorf("%w: %s and %s.Settings", ErrDuplicateSection, role, role)
	}
	nested.Settings = *flat
	return nil
}

// Config holds the typed settings of both roles
type Config struct {
	Publisher contracts.PublisherSettings
	Receiver  contracts.ReceiverSettings
}

// Loader reads configuration files and applies environment overrides
type Loader struct {
	lookup func(string) (string, bool)
	logger *slog.Logger
}

// LoaderOption configures the Loader
type LoaderOption func(*Loader)

// WithLookup replaces os.LookupEnv
func WithLookup(lookup func(string) (string, bool)) LoaderOption {
	return func(l *Loader) {
		l.lookup = lookup
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) LoaderOption {
	return func(l *Loader) {
		l.logger = logger
	}
}

// NewLoader creates a loader reading the process environment
func NewLoader(options ...LoaderOption) *Loader {
	l := &Loader{
		lookup: os.LookupEnv,
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(l)
	}
	return l
}

// Load reads the settings file at path. An empty path loads from the
// environment only.
func Load(path string, options ...LoaderOption) (*Config, error) {
	return NewLoader(options...).Load(path)
}

// Load reads the file at path, applies overrides and converts the result
func (l *Loader) Load(path string) (*Config, error) {
	if path == "" {
		return l.Parse(nil)
	}

	path = filepath.Clean(path)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json":
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}

	// #nosec G304 -- the path is supplied by the operator
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read file: %w", err)
	}
	return l.Parse(data)
}

// Parse decodes a YAML (or JSON) document, applies overrides and converts
// the result. Unknown keys are rejected.
func (l *Loader) Parse(data []byte) (*Config, error) {
	var file File

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: parse: multiple documents or trailing content")
	}
	if err := file.flatten(); err != nil {
		return nil, err
	}

	if err := l.override("PUBLISHER", &file.Publisher.Settings); err != nil {
		return nil, err
	}
	if err := l.override("RECEIVER", &file.Receiver.Settings); err != nil {
		return nil, err
	}

	return &Config{
		Publisher: contracts.PublisherSettings{ServiceBusSettings: file.Publisher.Settings.ServiceBus()},
		Receiver:  contracts.ReceiverSettings{ServiceBusSettings: file.Receiver.Settings.ServiceBus()},
	}, nil
}

func (l *Loader) override(role string, s *Settings) error {
	strs := []struct {
		name string
		dst  *string
	}{
		{"APPNAME", &s.AppName},
		{"ADDRESS", &s.Address},
		{"KEY", &s.Key},
		{"NAMESPACE", &s.Namespace},
		{"POLICY", &s.Policy},
		{"PROTOCOL", &s.Protocol},
	}
	for _, f := range strs {
		key := EnvKey(role, f.name)
		v, ok := l.lookup(key)
		if !ok {
			continue
		}
		*f.dst = v
		if f.name == "KEY" {
			l.logger.Debug("using environment variable", "key", key, "sensitive", true)
		} else {
			l.logger.Debug("using environment variable", "key", key, "value", v)
		}
	}

	key := EnvKey(role, "DURABLE")
	if v, ok := l.lookup(key); ok {
		n, err := strconv.ParseUint(strings.TrimSpace(v), 10, 32)
		if err != nil {
			return fmt.Errorf("%w: %s=%q: %w", ErrInvalidValue, key, v, err)
		}
		s.Durable = uint32(n)
		l.logger.Debug("using environment variable", "key", key, "value", s.Durable)
	}
	return nil
}

// EnvKey returns the override variable for role and key
func EnvKey(role, key string) string {
	return EnvPrefix + "_" + strings.ToUpper(role) + "_" + strings.ToUpper(key)
}

// ServiceBus converts the on-disk form
func (s Settings) ServiceBus() contracts.ServiceBusSettings {
	return contracts.ServiceBusSettings{
		AppName:    s.AppName,
		Address:    s.Address,
		Key:        s.Key,
		Namespace:  s.Namespace,
		PolicyName: s.Policy,
		Protocol:   s.Protocol,
		Durable:    s.Durable,
	}
}
