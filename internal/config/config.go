// Package config loads uniqdoc configuration files and opens the DB they
// describe.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dekarrin/uniqdoc"
)

// Format is a configuration file format.
type Format int

const (
	NoFormat Format = iota
	JSON
	YAML
)

func (f Format) String() string {
	switch f {
	case NoFormat:
		return "NoFormat"
	case JSON:
		return "JSON"
	case YAML:
		return "YAML"
	default:
		return fmt.Sprintf("Format(%d)", int(f))
	}
}

// Extensions returns the file extensions, without a leading period, that a
// file in format f may have.
func (f Format) Extensions() []string {
	switch f {
	case JSON:
		return []string{"json", "jsn", "jsonc", "hujson"}
	case YAML:
		return []string{"yaml", "yml"}
	default:
		return nil
	}
}

// Log holds the logging settings.
type Log struct {
	// Enabled is whether to log at all.
	Enabled bool

	// Provider selects the logging library. It defaults to jellog.
	Provider uniqdoc.LogProvider

	// File is the file to log to in addition to stderr. If empty, only stderr
	// is used.
	File string
}

// FillDefaults returns a new Log identical to log but with unset values set to
// their defaults.
func (log Log) FillDefaults() Log {
	newLog := log
	if newLog.Enabled && newLog.Provider == uniqdoc.NoLog {
		newLog.Provider = uniqdoc.Jellog
	}
	return newLog
}

// Constraint is one unique constraint declared in configuration.
type Constraint struct {
	Collection      string
	Field           string
	CaseInsensitive bool
}

func (c Constraint) String() string {
	return uniqdoc.ConstraintDeclaration{Collection: c.Collection, Field: c.Field, CaseInsensitive: c.CaseInsensitive}.String()
}

// Config is a complete configuration.
type Config struct {
	// DB is where documents and constraint entries are kept.
	DB uniqdoc.Database

	// Log is the logging configuration.
	Log Log

	// Constraints are declared on the store before any session is opened.
	Constraints []Constraint

	// Format is the format the Config was loaded from. It is NoFormat if the
	// Config was not loaded from a file.
	Format Format
}

// FillDefaults returns a new Config identical to cfg but with unset values set
// to their defaults.
func (cfg Config) FillDefaults() Config {
	newCfg := cfg
	newCfg.DB = cfg.DB.FillDefaults()
	newCfg.Log = cfg.Log.FillDefaults()
	return newCfg
}

// Validate returns an error if the Config has invalid field values set. Empty
// and unset values are considered invalid; if defaults are intended to be
// used, call Validate on the return value of FillDefaults.
func (cfg Config) Validate() error {
	if err := cfg.DB.Validate(); err != nil {
		return fmt.Errorf("db: %w", err)
	}

	seen := map[string]bool{}
	for i, c := range cfg.Constraints {
		if c.Collection == "" {
			return fmt.Errorf("constraints[%d]: collection not set", i)
		}
		if c.Field == "" {
			return fmt.Errorf("constraints[%d]: field not set", i)
		}
		name := c.Collection + "." + c.Field
		if seen[name] {
			return fmt.Errorf("constraints[%d]: duplicate constraint on %s", i, name)
		}
		seen[name] = true
	}

	return nil
}

// SupportedFormats returns a list of formats that the config module supports
// decoding. Includes all but NoFormat.
func SupportedFormats() []Format {
	return []Format{JSON, YAML}
}

// DetectFormat detects the format of a given configuration file and returns the
// Format that can decode it. Returns NoFormat if the format could not be
// detected.
func DetectFormat(file string) Format {
	ext := strings.ToLower(filepath.Ext(file))
	ext = strings.TrimPrefix(ext, ".")

	for _, f := range SupportedFormats() {
		for _, checkedExt := range f.Extensions() {
			if ext == checkedExt {
				return f
			}
		}
	}

	return NoFormat
}

// Dump dumps the configuration into the bytes in a formatted file. This is the
// complete representation of the current state of the Config, and if parsed by
// Load, would result in an equivalent config.
//
// The config will be dumped in the same format it was loaded with, or will
// default to YAML if the cfg was created without loading from a data stream.
//
// This function will cause a panic if there is a problem marshaling the config
// data in its format.
func Dump(cfg Config) []byte {
	f := cfg.Format
	if f == NoFormat {
		f = YAML
	}
	b, err := encode(f, cfg)
	if err != nil {
		panic(fmt.Sprintf("format encoding failed: %v", err))
	}
	return b
}

// Load loads a configuration from a JSON or YAML file. The format of the file
// is determined by examining its extension; files ending in .json, .jsn,
// .jsonc or .hujson are parsed as JSON (comments and trailing commas are
// allowed), and files ending in .yaml or .yml are parsed as YAML. Other
// extensions are not supported. The extension is not case-sensitive.
//
// The returned Config has not had defaults filled or been validated.
func Load(file string) (Config, error) {
	f := DetectFormat(file)
	if f == NoFormat {
		var msg strings.Builder

		formats := SupportedFormats()
		for i, f := range formats {
			exts := f.Extensions()
			for j, ext := range exts {
				// if on the last ext of the last format and there was at least
				// one before, add a leading "or "
				if j+1 >= len(exts) && i+1 >= len(formats) && msg.Len() > 0 {
					msg.WriteString("or ")
				}

				msg.WriteRune('.')
				msg.WriteString(ext)

				// if there is at least one more extension, add an ", "
				if j+1 < len(exts) || i+1 < len(formats) {
					msg.WriteString(", ")
				}
			}
		}

		return Config{}, fmt.Errorf("%s: incompatible format; must be a %s file", file, msg.String())
	}

	data, err := os.ReadFile(file)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", file, err)
	}

	cfg, err := decode(f, data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", file, err)
	}
	return cfg, nil
}
