// Package config loads scopebroker configuration from a YAML file with
// SCOPEBROKER_* environment overrides. Configuration is read once at startup
// and treated as immutable afterwards.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/stratus-framework/scopebroker/internal/core"
)

const (
	ConfigDirName   = ".scopebroker"
	ConfigFileName  = "config.yaml"
	EnvPrefix       = "SCOPEBROKER_"
	DefaultLogLevel = "info"
)

// AgentConfig names the serving endpoint and query space the identities may use.
type AgentConfig struct {
	ServingEndpoint string `yaml:"serving_endpoint" env:"SERVING_ENDPOINT"`
	QuerySpace      string `yaml:"query_space" env:"QUERY_SPACE"` // Athena workgroup
}

// DataConfig names the shared data resource.
type DataConfig struct {
	Catalog string `yaml:"catalog" env:"CATALOG"` // Glue catalog id
	Schema  string `yaml:"schema" env:"SCHEMA"`
	Table   string `yaml:"table" env:"TABLE"`
}

// AuthConfig controls the identity mapping tables and identity naming.
type AuthConfig struct {
	IdentityTable string `yaml:"identity_table" env:"IDENTITY_TABLE"`
	BindingTable  string `yaml:"binding_table" env:"BINDING_TABLE"`
	NamePrefix    string `yaml:"name_prefix" env:"NAME_PREFIX"`
}

// AWSConfig holds the account coordinates used to render grants.
type AWSConfig struct {
	Region        string `yaml:"region" env:"REGION"`
	AccountID     string `yaml:"account_id" env:"ACCOUNT_ID"`
	Partition     string `yaml:"partition" env:"PARTITION"`
	Profile       string `yaml:"profile" env:"PROFILE"` // admin profile, empty uses the default chain
	PolicyName    string `yaml:"policy_name" env:"POLICY_NAME"`
	MaxAccessKeys int    `yaml:"max_access_keys" env:"MAX_ACCESS_KEYS"`
	IdentityPath  string `yaml:"identity_path" env:"IDENTITY_PATH"`
}

// StoreConfig selects the mapping store backend.
type StoreConfig struct {
	Driver string `yaml:"driver" env:"DRIVER"` // sqlite3 | pgx
	DSN    string `yaml:"dsn" env:"DSN"`
}

type AuditConfig struct {
	Path string `yaml:"path" env:"PATH"`
}

// ServerConfig controls the gRPC and metrics listeners.
type ServerConfig struct {
	Addr        string `yaml:"addr" env:"ADDR"`
	MetricsAddr string `yaml:"metrics_addr" env:"METRICS_ADDR"`
	PKIDir      string `yaml:"pki_dir" env:"PKI_DIR"`
	Insecure    bool   `yaml:"insecure" env:"INSECURE"`
}

type CacheConfig struct {
	Capacity int `yaml:"capacity" env:"CAPACITY"` // 0 = unbounded
}

type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"` // console | json
}

// RateConfig caps calls per AWS service.
type RateConfig struct {
	PerService float64 `yaml:"per_service" env:"PER_SERVICE"`
	Burst      int     `yaml:"burst" env:"BURST"`
}

// Config is the full scopebroker configuration.
type Config struct {
	Agent  AgentConfig  `yaml:"agent" envPrefix:"AGENT_"`
	Data   DataConfig   `yaml:"data" envPrefix:"DATA_"`
	Auth   AuthConfig   `yaml:"auth" envPrefix:"AUTH_"`
	AWS    AWSConfig    `yaml:"aws" envPrefix:"AWS_"`
	Store  StoreConfig  `yaml:"store" envPrefix:"STORE_"`
	Audit  AuditConfig  `yaml:"audit" envPrefix:"AUDIT_"`
	Server ServerConfig `yaml:"server" envPrefix:"SERVER_"`
	Cache  CacheConfig  `yaml:"cache" envPrefix:"CACHE_"`
	Log    LogConfig    `yaml:"log" envPrefix:"LOG_"`
	Rate   RateConfig   `yaml:"rate" envPrefix:"RATE_"`
}

// Defaults returns sensible defaults. Resource identifiers have none.
func Defaults() Config {
	dir := ConfigDir()
	return Config{
		Auth: AuthConfig{
			IdentityTable: "sp_mapping",
			BindingTable:  "client_mapping",
			NamePrefix:    "sp-",
		},
		AWS: AWSConfig{
			Region:        "us-east-1",
			Partition:     "aws",
			PolicyName:    "scopebroker-grants",
			MaxAccessKeys: 2,
			IdentityPath:  "/scopebroker/",
		},
		Store: StoreConfig{
			Driver: "sqlite3",
			DSN:    filepath.Join(dir, "mapping.db"),
		},
		Audit: AuditConfig{Path: filepath.Join(dir, "audit.db")},
		Server: ServerConfig{
			Addr:        "127.0.0.1:9443",
			MetricsAddr: "127.0.0.1:9090",
			PKIDir:      filepath.Join(dir, "pki"),
		},
		Log:  LogConfig{Level: DefaultLogLevel, Format: "console"},
		Rate: RateConfig{PerService: 10, Burst: 10},
	}
}

// ConfigDir returns the scopebroker config directory path.
func ConfigDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ConfigDirName)
}

// DefaultPath returns ~/.scopebroker/config.yaml.
func DefaultPath() string {
	return filepath.Join(ConfigDir(), ConfigFileName)
}

// Load reads the YAML file at path (a missing file yields the defaults),
// applies SCOPEBROKER_* environment overrides and validates the result.
func Load(path string) (Config, error) {
	if path == "" {
		path = DefaultPath()
	}
	cfg := Defaults()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return Config{}, fmt.Errorf("reading %s: %w", path, err)
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Save writes cfg as YAML to path.
func Save(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// iamAccessKeyLimit is the number of access keys IAM allows per user.
const iamAccessKeyLimit = 2

var sqlIdent = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// Validate rejects configurations the broker cannot run with.
func (c Config) Validate() error {
	var errs []error
	required := []struct{ name, value string }{
		{"agent.serving_endpoint", c.Agent.ServingEndpoint},
		{"agent.query_space", c.Agent.QuerySpace},
		{"data.catalog", c.Data.Catalog},
		{"data.schema", c.Data.Schema},
		{"data.table", c.Data.Table},
		{"aws.region", c.AWS.Region},
		{"aws.account_id", c.AWS.AccountID},
		{"aws.policy_name", c.AWS.PolicyName},
		{"store.dsn", c.Store.DSN},
		{"audit.path", c.Audit.Path},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			errs = append(errs, fmt.Errorf("%s is required", r.name))
		}
	}

	for name, table := range map[string]string{
		"auth.identity_table": c.Auth.IdentityTable,
		"auth.binding_table":  c.Auth.BindingTable,
	} {
		if !sqlIdent.MatchString(table) {
			errs = append(errs, fmt.Errorf("%s %q is not a valid table name", name, table))
		}
	}
	if c.Auth.IdentityTable == c.Auth.BindingTable {
		errs = append(errs, errors.New("auth.identity_table and auth.binding_table must differ"))
	}

	switch c.Store.Driver {
	case "sqlite3", "pgx":
	default:
		errs = append(errs, fmt.Errorf("store.driver %q: must be sqlite3 or pgx", c.Store.Driver))
	}
	switch c.Log.Format {
	case "", "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q: must be console or json", c.Log.Format))
	}
	if c.AWS.MaxAccessKeys < 1 || c.AWS.MaxAccessKeys > iamAccessKeyLimit {
		errs = append(errs, fmt.Errorf("aws.max_access_keys must be between 1 and %d", iamAccessKeyLimit))
	}
	if c.Cache.Capacity < 0 {
		errs = append(errs, errors.New("cache.capacity must not be negative"))
	}
	if c.Rate.PerService <= 0 {
		errs = append(errs, errors.New("rate.per_service must be positive"))
	}
	return errors.Join(errs...)
}

// GrantSet resolves the fixed grant set from the configured resources.
// Schema and table resources are qualified by their parents, e.g.
// "catalog/schema/table".
func (c Config) GrantSet() core.GrantSet {
	schema := c.Data.Catalog + "/" + c.Data.Schema
	return core.GrantSet{
		{Kind: core.GrantEndpointQuery, Resource: c.Agent.ServingEndpoint},
		{Kind: core.GrantSpaceRun, Resource: c.Agent.QuerySpace},
		{Kind: core.GrantCatalogUse, Resource: c.Data.Catalog},
		{Kind: core.GrantSchemaUse, Resource: schema},
		{Kind: core.GrantTableSelect, Resource: schema + "/" + c.Data.Table},
	}
}
