package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Storage    StorageConfig    `yaml:"storage"`
	Database   DatabaseConfig   `yaml:"database"`
	Lock       LockConfig       `yaml:"lock"`
	Diff       DiffConfig       `yaml:"diff"`
	Versioning VersioningConfig `yaml:"versioning"`
	Sync       SyncConfig       `yaml:"sync"`
	Server     ServerConfig     `yaml:"server"`
	Log        LogConfig        `yaml:"log"`
}

// StorageConfig selects and configures the blob backend
type StorageConfig struct {
	// Backend is one of "local", "azure", "s3" or "memory"
	Backend string      `yaml:"backend"`
	Local   LocalConfig `yaml:"local"`
	Azure   AzureConfig `yaml:"azure"`
	S3      S3Config    `yaml:"s3"`
}

// LocalConfig contains local filesystem blob settings
type LocalConfig struct {
	Dir string `yaml:"dir"`
}

// AzureConfig contains Azure Blob Storage settings
type AzureConfig struct {
	StorageAccount   string `yaml:"storage_account"`
	Container        string `yaml:"container"`
	ConnectionString string `yaml:"connection_string"`
	SASToken         string `yaml:"sas_token"`
	Prefix           string `yaml:"prefix"`
	// For service principal auth
	TenantID     string `yaml:"tenant_id"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	// Use managed identity
	UseManagedIdentity bool `yaml:"use_managed_identity"`
}

// S3Config contains S3 (or S3-compatible) settings
type S3Config struct {
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`
	Region string `yaml:"region"`
	// Endpoint overrides the AWS endpoint for MinIO, Tigris and friends.
	// Path-style addressing is used whenever it is set.
	Endpoint string `yaml:"endpoint"`
}

// DatabaseConfig contains metadata store settings
type DatabaseConfig struct {
	// Driver is one of "sqlite3", "gorm-sqlite", "postgres" or "mysql"
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn"`
}

// LockConfig contains document lock settings
type LockConfig struct {
	// TTL is the lease length.
	TTL time.Duration `yaml:"ttl"`
	// NoExpiry keeps a lease until its holder releases it.
	NoExpiry bool `yaml:"no_expiry"`
}

// LeaseTTL returns the effective lease length, zero when leases never expire
func (l LockConfig) LeaseTTL() time.Duration {
	if l.NoExpiry {
		return 0
	}
	return l.TTL
}

// DiffConfig contains default diff options
type DiffConfig struct {
	CriticalColumns []string `yaml:"critical_columns"`
	KeyColumns      []string `yaml:"key_columns"`
}

// VersioningConfig controls retries of CreateVersion
type VersioningConfig struct {
	MaxRetries     int           `yaml:"max_retries"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxElapsed     time.Duration `yaml:"max_elapsed"`
}

// SyncConfig contains inbox folder sync settings
type SyncConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Dir       string        `yaml:"dir"`
	ProjectID string        `yaml:"project_id"`
	Actor     string        `yaml:"actor"`
	Interval  time.Duration `yaml:"interval"`
	Patterns  []string      `yaml:"patterns"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// LogConfig contains logger settings
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses configuration from YAML bytes
func Parse(data []byte) (*Config, error) {
	// Expand environment variables in the config
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Default returns a configuration with every default applied: blobs in
// ./sheet-vault-blobs and metadata in ./sheet-vault.db.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults sets default values for unspecified config options
func (c *Config) applyDefaults() {
	if c.Storage.Backend == "" {
		c.Storage.Backend = "local"
	}

	if c.Storage.Local.Dir == "" {
		c.Storage.Local.Dir = "./sheet-vault-blobs"
	}

	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite3"
	}

	if c.Database.Path == "" {
		c.Database.Path = "./sheet-vault.db"
	}

	if c.Lock.TTL == 0 {
		c.Lock.TTL = 15 * time.Minute
	}

	if c.Versioning.MaxRetries == 0 {
		c.Versioning.MaxRetries = 5
	}

	if c.Versioning.InitialBackoff == 0 {
		c.Versioning.InitialBackoff = 100 * time.Millisecond
	}

	if c.Versioning.MaxElapsed == 0 {
		c.Versioning.MaxElapsed = 30 * time.Second
	}

	if c.Sync.Interval == 0 {
		c.Sync.Interval = 30 * time.Second
	}

	if len(c.Sync.Patterns) == 0 {
		c.Sync.Patterns = []string{"*.xlsx", "*.csv"}
	}

	if c.Sync.Actor == "" {
		c.Sync.Actor = "syncer"
	}

	if c.Sync.ProjectID == "" {
		c.Sync.ProjectID = "inbox"
	}

	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}

	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}

	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

// validate checks that the configuration is valid
func (c *Config) validate() error {
	switch c.Storage.Backend {
	case "local":
	case "memory":
		// blobs would vanish on exit while their version rows survive
		if !c.Database.InMemory() {
			return fmt.Errorf("storage.backend memory requires an in-memory database (database.path: \":memory:\")")
		}
	case "azure":
		if c.Storage.Azure.StorageAccount == "" && c.Storage.Azure.ConnectionString == "" {
			return fmt.Errorf("storage.azure.storage_account is required")
		}
		if c.Storage.Azure.Container == "" {
			return fmt.Errorf("storage.azure.container is required")
		}
		if c.Storage.Azure.GetAuthMethod() == "none" {
			return fmt.Errorf("no Azure authentication method configured (connection_string, sas_token, managed_identity, or service principal)")
		}
	case "s3":
		if c.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}

	switch c.Database.Driver {
	case "sqlite3", "gorm-sqlite":
	case "postgres", "mysql":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for driver %s", c.Database.Driver)
		}
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}

	if c.Lock.TTL < 0 {
		return fmt.Errorf("lock.ttl must not be negative")
	}

	if c.Sync.Enabled && c.Sync.Dir == "" {
		return fmt.Errorf("sync.dir is required when sync is enabled")
	}

	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}

	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("log.format must be text or json")
	}

	return nil
}

// NewLogger builds a logrus logger from the log settings
func (c LogConfig) NewLogger() *logrus.Logger {
	logger := logrus.New()
	if level, err := logrus.ParseLevel(c.Level); err == nil {
		logger.SetLevel(level)
	}
	if c.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return logger
}

// UnmarshalYAML implements custom unmarshaling for LockConfig to handle duration
func (l *LockConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		TTL      string `yaml:"ttl"`
		NoExpiry bool   `yaml:"no_expiry"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	ttl, err := parseDuration(raw.TTL)
	if err != nil {
		return fmt.Errorf("invalid lock ttl: %w", err)
	}
	l.TTL = ttl
	l.NoExpiry = raw.NoExpiry
	return nil
}

// UnmarshalYAML implements custom unmarshaling for VersioningConfig to handle durations
func (v *VersioningConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		MaxRetries     int    `yaml:"max_retries"`
		InitialBackoff string `yaml:"initial_backoff"`
		MaxElapsed     string `yaml:"max_elapsed"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	initial, err := parseDuration(raw.InitialBackoff)
	if err != nil {
		return fmt.Errorf("invalid versioning initial_backoff: %w", err)
	}
	maxElapsed, err := parseDuration(raw.MaxElapsed)
	if err != nil {
		return fmt.Errorf("invalid versioning max_elapsed: %w", err)
	}

	v.MaxRetries = raw.MaxRetries
	v.InitialBackoff = initial
	v.MaxElapsed = maxElapsed
	return nil
}

// UnmarshalYAML implements custom unmarshaling for SyncConfig to handle duration
func (s *SyncConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Enabled   bool     `yaml:"enabled"`
		Dir       string   `yaml:"dir"`
		ProjectID string   `yaml:"project_id"`
		Actor     string   `yaml:"actor"`
		Interval  string   `yaml:"interval"`
		Patterns  []string `yaml:"patterns"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	interval, err := parseDuration(raw.Interval)
	if err != nil {
		return fmt.Errorf("invalid sync interval: %w", err)
	}

	s.Enabled = raw.Enabled
	s.Dir = raw.Dir
	s.ProjectID = raw.ProjectID
	s.Actor = raw.Actor
	s.Interval = interval
	s.Patterns = raw.Patterns
	return nil
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

// GetAuthMethod returns a string describing the configured auth method
func (c *AzureConfig) GetAuthMethod() string {
	if c.ConnectionString != "" {
		return "connection_string"
	}
	if c.SASToken != "" {
		return "sas_token"
	}
	if c.UseManagedIdentity {
		return "managed_identity"
	}
	if c.TenantID != "" && c.ClientID != "" && c.ClientSecret != "" {
		return "service_principal"
	}
	return "none"
}

// GetServiceURL returns the Azure Blob service URL
func (c *AzureConfig) GetServiceURL() string {
	return fmt.Sprintf("https://%s.blob.core.windows.net/", strings.TrimSpace(c.StorageAccount))
}

// InMemory reports whether the metadata database lives only in process memory
func (c DatabaseConfig) InMemory() bool {
	if c.Driver != "sqlite3" && c.Driver != "gorm-sqlite" {
		return false
	}
	return c.Path == ":memory:" || strings.HasPrefix(c.Path, "file::memory:")
}

// Addr returns the listen address
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
