package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"

	maxPageSize       = 100
	defaultSigningKey = "wT0phFUusHZIrDhL9bUKPUhwaxKhpi/SaI6PtgB+MgU="
)

type StoreConfig struct {
	Driver      string
	DatabaseDSN string
	Timeout     time.Duration
}

type Config struct {
	ServerAddr      string
	Store           StoreConfig
	SigningKey      []byte
	AllowedOrigins  []string
	BlobDir         string
	BlobBaseURL     string
	TypingTimeout   time.Duration
	MessagePageSize int
}

// Options holds raw settings as read from flags or a config file, before
// validation.
type Options struct {
	ServerAddr      string        `yaml:"addr"`
	Driver          string        `yaml:"driver"`
	DatabaseDSN     string        `yaml:"dsn"`
	StoreTimeout    time.Duration `yaml:"store_timeout"`
	SigningKey      string        `yaml:"signing_key"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	BlobDir         string        `yaml:"blob_dir"`
	BlobBaseURL     string        `yaml:"blob_base_url"`
	TypingTimeout   time.Duration `yaml:"typing_timeout"`
	MessagePageSize int           `yaml:"message_page_size"`
}

func DefaultOptions() Options {
	return Options{
		ServerAddr:      "localhost:8000",
		Driver:          DriverMemory,
		StoreTimeout:    5 * time.Second,
		SigningKey:      defaultSigningKey,
		BlobDir:         "./uploads",
		BlobBaseURL:     "/uploads",
		TypingTimeout:   3 * time.Second,
		MessagePageSize: 25,
	}
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(base64Secret)
}

func NewConfig(opts Options) (*Config, error) {
	if opts.ServerAddr == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}

	switch opts.Driver {
	case DriverMemory:
	case DriverPostgres:
		if opts.DatabaseDSN == "" {
			return nil, fmt.Errorf("database DSN cannot be empty")
		}
	default:
		return nil, fmt.Errorf("unknown store driver %q", opts.Driver)
	}

	if opts.StoreTimeout <= 0 {
		return nil, fmt.Errorf("store timeout must be positive")
	}
	if opts.TypingTimeout <= 0 {
		return nil, fmt.Errorf("typing timeout must be positive")
	}
	if opts.MessagePageSize <= 0 || opts.MessagePageSize > maxPageSize {
		return nil, fmt.Errorf("message page size must be between 1 and %d", maxPageSize)
	}

	if opts.SigningKey == "" {
		return nil, fmt.Errorf("signing secret cannot be empty")
	}

	// Decode the base64 encoded signing secret
	signingKey, err := decodeSigningSecret(opts.SigningKey)
	if err != nil {
		return nil, fmt.Errorf("decode signing secret: %w", err)
	}

	return &Config{
		ServerAddr: opts.ServerAddr,
		Store: StoreConfig{
			Driver:      opts.Driver,
			DatabaseDSN: opts.DatabaseDSN,
			Timeout:     opts.StoreTimeout,
		},
		SigningKey:      signingKey,
		AllowedOrigins:  opts.AllowedOrigins,
		BlobDir:         opts.BlobDir,
		BlobBaseURL:     opts.BlobBaseURL,
		TypingTimeout:   opts.TypingTimeout,
		MessagePageSize: opts.MessagePageSize,
	}, nil
}

// Load builds the configuration from command line arguments. Settings in
// the file named by --config replace the defaults; flags given on the
// command line replace both.
func Load(args []string) (*Config, error) {
	opts := DefaultOptions()

	path, err := configPath(args)
	if err != nil {
		return nil, err
	}
	if path != "" {
		if err := loadFile(path, &opts); err != nil {
			return nil, err
		}
	}

	fs := pflag.NewFlagSet("donorchat", pflag.ContinueOnError)
	fs.String("config", path, "path to a YAML config file")
	bindFlags(fs, &opts)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	return NewConfig(opts)
}

// bindFlags registers a flag per option, defaulting to the current values
// of opts, so only flags given explicitly change them.
func bindFlags(fs *pflag.FlagSet, opts *Options) {
	fs.StringVar(&opts.ServerAddr, "addr", opts.ServerAddr, "server address")
	fs.StringVar(&opts.Driver, "store", opts.Driver, "document store driver (memory or postgres)")
	fs.StringVar(&opts.DatabaseDSN, "dsn", opts.DatabaseDSN, "database connection string")
	fs.DurationVar(&opts.StoreTimeout, "store-timeout", opts.StoreTimeout, "deadline for a single store call")
	fs.StringVar(&opts.SigningKey, "signing-key", opts.SigningKey, "base64 encoded signing key")
	fs.StringSliceVar(&opts.AllowedOrigins, "allowed-origins", opts.AllowedOrigins, "comma-separated list of allowed origins for CORS")
	fs.StringVar(&opts.BlobDir, "blob-dir", opts.BlobDir, "directory attachments are stored in, empty disables uploads")
	fs.StringVar(&opts.BlobBaseURL, "blob-base-url", opts.BlobBaseURL, "URL prefix attachments are served from")
	fs.DurationVar(&opts.TypingTimeout, "typing-timeout", opts.TypingTimeout, "idle time after which a typing indicator clears")
	fs.IntVar(&opts.MessagePageSize, "page-size", opts.MessagePageSize, "messages per page")
}

func configPath(args []string) (string, error) {
	fs := pflag.NewFlagSet("donorchat", pflag.ContinueOnError)
	fs.ParseErrorsWhitelist.UnknownFlags = true
	fs.Usage = func() {}

	var path string
	fs.StringVar(&path, "config", "", "")
	if err := fs.Parse(args); err != nil && err != pflag.ErrHelp {
		return "", err
	}
	return path, nil
}

func loadFile(path string, opts *Options) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(raw, opts); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}
