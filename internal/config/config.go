// Package config loads captool's on-disk configuration: module wiring,
// the security manager's anonymization/encryption switches, the
// classification catalog path, and the ambient logging/metrics sections.
// Grounded on the teacher's internal/config/config.go load/defaults/
// validate shape, scoped down to the keys spec.md §6 recognizes.
package config

import (
	"fmt"
	"strings"

	"firestige.xyz/captool/internal/log"
	"github.com/spf13/viper"
)

// ConnectionConfig binds one transport protocol number to the module that
// should receive it, mirroring modules.<name>.connections entries.
type ConnectionConfig struct {
	Protocol uint8  `mapstructure:"protocol"`
	Module   string `mapstructure:"module"`
}

// ModuleConfig is the union of every field any pipeline module's settings
// might need; each module's Initialize reads only the fields it cares
// about. Keys in a modules.<name> section that no field here names are
// ignored by viper; a section whose type is not recognized is rejected by
// ValidateAndApplyDefaults.
type ModuleConfig struct {
	// Type selects which decoder package constructs this module: one of
	// "ip", "tcp", "udp", "dump".
	Type            string             `mapstructure:"type"`
	Connections     []ConnectionConfig `mapstructure:"connections"`
	OutDefault      string             `mapstructure:"outDefault"`
	IPv6Module      string             `mapstructure:"ipv6Module"`
	IDFlows         bool               `mapstructure:"idFlows"`
	Defrag          bool               `mapstructure:"defrag"`
	FilterFragments bool               `mapstructure:"filterFragments"`
	MaxFragmented   int                `mapstructure:"maxFragmented"`

	// dump sink fields
	Path       string `mapstructure:"path"`
	Compress   bool   `mapstructure:"compress"`
	SnapLength int    `mapstructure:"snapLength"`
}

// SecurityManagerConfig holds the two switches spec.md §6 recognizes under
// securityManager.
type SecurityManagerConfig struct {
	Anonymize               bool `mapstructure:"anonymize"`
	EncryptedClassification bool `mapstructure:"encryptedClassification"`
}

// ClassificationConfig points at the catalog file to load.
type ClassificationConfig struct {
	FileName string `mapstructure:"fileName"`
}

// MetricsConfig binds internal/metrics.Server.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	Path    string `mapstructure:"path"`
}

// Config is captool's complete configuration tree.
type Config struct {
	Modules         map[string]ModuleConfig `mapstructure:"modules"`
	SecurityManager SecurityManagerConfig   `mapstructure:"securityManager"`
	Classification  ClassificationConfig    `mapstructure:"classification"`
	Log             log.LoggerConfig        `mapstructure:"log"`
	Metrics         MetricsConfig           `mapstructure:"metrics"`
}

// Load reads and validates the configuration file at path.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pattern", "%time [%level] %msg %field")
	v.SetDefault("log.time", "2006-01-02 15:04:05")
	v.SetDefault("log.appender", "stdout")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen", ":9090")
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("securityManager.anonymize", false)
	v.SetDefault("securityManager.encryptedClassification", false)
}

// ValidateAndApplyDefaults checks cross-field constraints viper's own
// defaulting can't express: every connection must name a target module,
// and an encrypted catalog needs a path to decrypt.
func (cfg *Config) ValidateAndApplyDefaults() error {
	for name, mod := range cfg.Modules {
		switch mod.Type {
		case "ip", "tcp", "udp", "dump":
		default:
			return fmt.Errorf("config: module %q has unrecognized type %q (want ip, tcp, udp, or dump)", name, mod.Type)
		}
		for _, c := range mod.Connections {
			if c.Module == "" {
				return fmt.Errorf("config: module %q has a connection with no target module name", name)
			}
		}
	}
	if cfg.SecurityManager.EncryptedClassification && cfg.Classification.FileName == "" {
		return fmt.Errorf("config: securityManager.encryptedClassification requires classification.fileName")
	}
	for name, mod := range cfg.Modules {
		if mod.Type == "ip" && mod.IDFlows && cfg.Classification.FileName == "" {
			return fmt.Errorf("config: module %q sets idFlows but classification.fileName is not set", name)
		}
	}
	return nil
}
