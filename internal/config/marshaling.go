package config

import (
	"encoding/json"
	"fmt"

	"github.com/dekarrin/uniqdoc"
	"github.com/tailscale/hujson"
	"gopkg.in/yaml.v3"
)

type marshaledConfig struct {
	DB          marshaledDatabase     `yaml:"db" json:"db"`
	Logging     marshaledLog          `yaml:"logging" json:"logging"`
	Constraints []marshaledConstraint `yaml:"constraints,omitempty" json:"constraints,omitempty"`
}

type marshaledDatabase struct {
	// Conn is a connection string as accepted by uniqdoc.ParseDBConnString.
	// If set, no other field may be.
	Conn string `yaml:"conn,omitempty" json:"conn,omitempty"`

	Type     string `yaml:"type,omitempty" json:"type,omitempty"`
	Dir      string `yaml:"dir,omitempty" json:"dir,omitempty"`
	File     string `yaml:"file,omitempty" json:"file,omitempty"`
	Compress bool   `yaml:"compress,omitempty" json:"compress,omitempty"`
	Table    string `yaml:"table,omitempty" json:"table,omitempty"`
	Region   string `yaml:"region,omitempty" json:"region,omitempty"`
	Endpoint string `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
}

type marshaledLog struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Provider string `yaml:"provider" json:"provider"`
	File     string `yaml:"file,omitempty" json:"file,omitempty"`
}

type marshaledConstraint struct {
	Collection      string `yaml:"collection" json:"collection"`
	Field           string `yaml:"field" json:"field"`
	CaseInsensitive bool   `yaml:"case_insensitive,omitempty" json:"case_insensitive,omitempty"`
}

func decode(f Format, data []byte) (Config, error) {
	var cfg Config
	var mc marshaledConfig
	var err error

	switch f {
	case JSON:
		data, err = hujson.Standardize(data)
		if err != nil {
			return cfg, fmt.Errorf("invalid JSON: %w", err)
		}
		err = json.Unmarshal(data, &mc)
	case YAML:
		err = yaml.Unmarshal(data, &mc)
	default:
		return cfg, fmt.Errorf("cannot unmarshal data in format %q", f.String())
	}

	if err != nil {
		return cfg, err
	}

	cfg.Format = f
	err = unmarshalConfig(&cfg, mc)
	return cfg, err
}

func encode(f Format, c Config) ([]byte, error) {
	mc := marshalConfig(c)
	var err error
	var data []byte

	switch f {
	case JSON:
		data, err = json.MarshalIndent(mc, "", "  ")
	case YAML:
		data, err = yaml.Marshal(mc)
	default:
		return nil, fmt.Errorf("cannot marshal data in format %q", f.String())
	}

	return data, err
}

// unmarshal completely replaces all attributes with the values or missing
// values in the marshaledConfig.
//
// does no validation except that which is required for parsing.
func unmarshalConfig(cfg *Config, m marshaledConfig) error {
	if err := unmarshalDatabase(&cfg.DB, m.DB); err != nil {
		return fmt.Errorf("db: %w", err)
	}
	if err := unmarshalLog(&cfg.Log, m.Logging); err != nil {
		return fmt.Errorf("logging: %w", err)
	}

	cfg.Constraints = nil
	for _, mc := range m.Constraints {
		cfg.Constraints = append(cfg.Constraints, Constraint{
			Collection:      mc.Collection,
			Field:           mc.Field,
			CaseInsensitive: mc.CaseInsensitive,
		})
	}

	return nil
}

// marshal converts a config to the marshaledConfig that would recreate it if
// passed to unmarshal.
func marshalConfig(cfg Config) marshaledConfig {
	mc := marshaledConfig{
		DB:      marshalDatabase(cfg.DB),
		Logging: marshalLog(cfg.Log),
	}
	for _, c := range cfg.Constraints {
		mc.Constraints = append(mc.Constraints, marshaledConstraint{
			Collection:      c.Collection,
			Field:           c.Field,
			CaseInsensitive: c.CaseInsensitive,
		})
	}
	return mc
}

// unmarshal completely replaces all attributes with the values or missing
// values in the marshaledDatabase.
//
// does no validation except that which is required for parsing.
func unmarshalDatabase(db *uniqdoc.Database, m marshaledDatabase) error {
	if m.Conn != "" {
		if m != (marshaledDatabase{Conn: m.Conn}) {
			return fmt.Errorf("conn cannot be combined with other keys")
		}
		parsed, err := uniqdoc.ParseDBConnString(m.Conn)
		if err != nil {
			return fmt.Errorf("conn: %w", err)
		}
		*db = parsed
		return nil
	}

	*db = uniqdoc.Database{}
	if m.Type != "" {
		var err error
		db.Type, err = uniqdoc.ParseDBType(m.Type)
		if err != nil {
			return fmt.Errorf("type: %w", err)
		}
	}
	db.DataDir = m.Dir
	db.DataFile = m.File
	db.Compress = m.Compress
	db.Table = m.Table
	db.Region = m.Region
	db.Endpoint = m.Endpoint

	return nil
}

func marshalDatabase(db uniqdoc.Database) marshaledDatabase {
	m := marshaledDatabase{
		Dir:      db.DataDir,
		File:     db.DataFile,
		Compress: db.Compress,
		Table:    db.Table,
		Region:   db.Region,
		Endpoint: db.Endpoint,
	}
	if db.Type != "" && db.Type != uniqdoc.DatabaseNone {
		m.Type = db.Type.String()
	}
	return m
}

// unmarshal completely replaces all attributes.
//
// does no validation except that which is required for parsing.
func unmarshalLog(log *Log, m marshaledLog) error {
	var err error

	log.Enabled = m.Enabled
	log.Provider, err = uniqdoc.ParseLogProvider(m.Provider)
	if err != nil {
		return fmt.Errorf("provider: %w", err)
	}
	log.File = m.File

	return nil
}

// marshal returns the marshaledLog that would re-create Log if passed to
// unmarshal.
func marshalLog(log Log) marshaledLog {
	return marshaledLog{
		Enabled:  log.Enabled,
		Provider: log.Provider.String(),
		File:     log.File,
	}
}
