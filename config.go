package uniqdoc

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

// DBType is the type of a Database connection.
type DBType string

func (dbt DBType) String() string {
	return string(dbt)
}

const (
	DatabaseNone     DBType = "none"
	DatabaseInMemory DBType = "inmem"
	DatabaseFile     DBType = "filedb"
	DatabaseSQLite   DBType = "sqlite"
	DatabaseBadger   DBType = "badger"
	DatabaseDynamoDB DBType = "dynamodb"
)

// DefaultDataFile is the name of the data file used by a filedb Database when
// none is given.
const DefaultDataFile = "db.uqd"

// ParseDBType parses a string found in a connection string into a DBType.
func ParseDBType(s string) (DBType, error) {
	sLower := strings.ToLower(s)

	switch sLower {
	case DatabaseInMemory.String():
		return DatabaseInMemory, nil
	case DatabaseFile.String():
		return DatabaseFile, nil
	case DatabaseSQLite.String():
		return DatabaseSQLite, nil
	case DatabaseBadger.String():
		return DatabaseBadger, nil
	case DatabaseDynamoDB.String():
		return DatabaseDynamoDB, nil
	default:
		return DatabaseNone, fmt.Errorf("DB type not one of 'inmem', 'filedb', 'sqlite', 'badger', or 'dynamodb': %q", s)
	}
}

// Database contains configuration settings for connecting to a persistence
// layer.
type Database struct {
	// Type is the type of database the config refers to. It also determines
	// which of its other fields are valid.
	Type DBType

	// DataDir is the path on disk to a directory to use to store data in. This
	// is only applicable for certain DB types: filedb, SQLite, badger.
	DataDir string

	// DataFile is the name of the data file within DataDir. By default, it is
	// DefaultDataFile. This is only applicable for filedb.
	DataFile string

	// Compress is whether the data file is zstd-compressed when written. This
	// is only applicable for filedb.
	Compress bool

	// Table is the name of the DynamoDB table holding documents and constraint
	// entries. This is only applicable for dynamodb.
	Table string

	// Region is the AWS region of the table. If not set, the default AWS
	// configuration chain decides. This is only applicable for dynamodb.
	Region string

	// Endpoint overrides the DynamoDB endpoint URL, e.g. for a local DynamoDB
	// instance. This is only applicable for dynamodb.
	Endpoint string
}

// FillDefaults returns a new Database identical to db but with unset values set
// to their defaults.
func (db Database) FillDefaults() Database {
	newDB := db

	if newDB.Type == "" || newDB.Type == DatabaseNone {
		newDB.Type = DatabaseInMemory
	}
	if newDB.Type == DatabaseFile && newDB.DataFile == "" {
		newDB.DataFile = DefaultDataFile
	}

	return newDB
}

// Validate returns an error if the Database does not have the correct fields
// set. Its type will be checked to ensure that it is a valid type to use and
// any fields necessary for connecting to that type of DB are also checked.
func (db Database) Validate() error {
	switch db.Type {
	case DatabaseInMemory:
		// nothing else to check
		return nil
	case DatabaseFile:
		if db.DataDir == "" {
			return fmt.Errorf("DataDir not set to path")
		}
		if db.DataFile == "" {
			return fmt.Errorf("DataFile not set")
		}
		return nil
	case DatabaseSQLite, DatabaseBadger:
		if db.DataDir == "" {
			return fmt.Errorf("DataDir not set to path")
		}
		return nil
	case DatabaseDynamoDB:
		if db.Table == "" {
			return fmt.Errorf("Table not set")
		}
		return nil
	case DatabaseNone:
		return fmt.Errorf("'none' DB is not valid")
	default:
		return fmt.Errorf("unknown database type: %q", db.Type.String())
	}
}

// ParseDBConnString parses a database connection string of the form
// "engine:params" (or just "engine" if no other params are required) into a
// valid Database config object.
//
// Supported database types and a sample string containing valid configurations
// for each are shown below. Placeholder values are between angle brackets,
// optional parts are between square brackets. Ordering of parameters does not
// matter.
//
//   - In-memory database: "inmem"
//   - Single data file: "filedb:dir=<path/to/db/dir>[,file=<name.uqd>][,compress=<bool>]"
//   - SQLite3 DB file: "sqlite:</path/to/db/dir>"
//   - Badger KV store: "badger:</path/to/db/dir>"
//   - DynamoDB table: "dynamodb:table=<name>[,region=<region>][,endpoint=<url>]"
func ParseDBConnString(s string) (Database, error) {
	var paramStr string
	dbParts := strings.SplitN(s, ":", 2)

	if len(dbParts) == 2 {
		paramStr = strings.TrimSpace(dbParts[1])
	}

	// parse the first section into a type, from there we can determine if
	// further params are required.
	dbEng, err := ParseDBType(strings.TrimSpace(dbParts[0]))
	if err != nil {
		return Database{}, fmt.Errorf("unsupported DB engine: %w", err)
	}

	switch dbEng {
	case DatabaseInMemory:
		// there cannot be any other options
		if paramStr != "" {
			return Database{}, fmt.Errorf("unsupported param(s) for in-memory DB engine: %s", paramStr)
		}

		return Database{Type: DatabaseInMemory}, nil
	case DatabaseSQLite, DatabaseBadger:
		// the only option is the DB path, as long as the param str isn't
		// literally blank, it can be used.
		if paramStr == "" {
			return Database{}, fmt.Errorf("%s DB engine requires path to data directory after ':'", dbEng)
		}

		return Database{Type: dbEng, DataDir: filepath.FromSlash(paramStr)}, nil
	case DatabaseFile:
		if paramStr == "" {
			return Database{}, fmt.Errorf("filedb DB engine requires qualified path to data directory after ':'")
		}

		params, err := parseParamsMap(paramStr)
		if err != nil {
			return Database{}, err
		}

		db := Database{Type: DatabaseFile, DataFile: DefaultDataFile}

		if val, ok := params["dir"]; ok {
			db.DataDir = filepath.FromSlash(val)
		} else {
			return Database{}, fmt.Errorf("filedb DB engine params missing qualified path to data directory in key 'dir'")
		}
		if val, ok := params["file"]; ok {
			db.DataFile = val
		}
		if val, ok := params["compress"]; ok {
			db.Compress, err = strconv.ParseBool(val)
			if err != nil {
				return Database{}, fmt.Errorf("filedb DB engine param 'compress': %w", err)
			}
		}
		return db, nil
	case DatabaseDynamoDB:
		if paramStr == "" {
			return Database{}, fmt.Errorf("dynamodb DB engine requires table name after ':'")
		}

		params, err := parseParamsMap(paramStr)
		if err != nil {
			return Database{}, err
		}

		db := Database{Type: DatabaseDynamoDB}
		if val, ok := params["table"]; ok {
			db.Table = val
		} else {
			return Database{}, fmt.Errorf("dynamodb DB engine params missing table name in key 'table'")
		}
		db.Region = params["region"]
		db.Endpoint = params["endpoint"]
		return db, nil
	default:
		// unknown
		return Database{}, fmt.Errorf("unknown DB engine: %q", dbEng.String())
	}
}

// parseParamsMap parses "k1=v1,k2=v2". A backslash escapes the character after
// it, so separators can appear in values.
func parseParamsMap(paramStr string) (map[string]string, error) {
	seqs := splitWithEscaped(paramStr, ',')
	if len(seqs) < 1 {
		return nil, fmt.Errorf("not a map format string: %q", paramStr)
	}

	params := map[string]string{}
	for idx, kv := range seqs {
		parsed := splitWithEscaped(kv, '=')
		if len(parsed) != 2 {
			return nil, fmt.Errorf("param %d: not a kv-pair: %q", idx, kv)
		}
		params[strings.ToLower(unescape(parsed[0]))] = unescape(parsed[1])
	}

	return params, nil
}

// splitWithEscaped splits s on every sep that is not preceded by a backslash.
// Escapes are kept in the returned parts.
func splitWithEscaped(s string, sep rune) []string {
	var split []string
	var cur strings.Builder

	sr := []rune(s)
	for i := 0; i < len(sr); i++ {
		ch := sr[i]

		if ch == '\\' && i+1 < len(sr) {
			cur.WriteRune(ch)
			cur.WriteRune(sr[i+1])
			i++
			continue
		}
		if ch == sep {
			split = append(split, cur.String())
			cur.Reset()
			continue
		}
		cur.WriteRune(ch)
	}
	split = append(split, cur.String())

	return split
}

func unescape(s string) string {
	var sb strings.Builder
	sr := []rune(s)
	for i := 0; i < len(sr); i++ {
		if sr[i] == '\\' && i+1 < len(sr) {
			i++
		}
		sb.WriteRune(sr[i])
	}
	return sb.String()
}
