// Package db opens the storage engines that uniqdoc can enforce constraints
// on. The engines themselves live in the subpackages of db; this package
// selects one of them from a uniqdoc.Database.
package db

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/dekarrin/uniqdoc"
	"github.com/dekarrin/uniqdoc/db/badger"
	"github.com/dekarrin/uniqdoc/db/dynamo"
	"github.com/dekarrin/uniqdoc/db/filedb"
	"github.com/dekarrin/uniqdoc/db/inmem"
	"github.com/dekarrin/uniqdoc/db/sqlite"
)

// Connector opens the DB described by a Database.
type Connector func(ctx context.Context, db uniqdoc.Database) (uniqdoc.DB, error)

// ConnectorRegistry holds registered connector functions for opening a DB of
// each DBType.
//
// The zero value can be immediately used and will have the built-in
// connectors available. This can be disabled by setting DisableDefaults to
// true before attempting to use it.
type ConnectorRegistry struct {
	DisableDefaults bool
	reg             map[uniqdoc.DBType]Connector
}

func (cr *ConnectorRegistry) initDefaults() {
	if cr.reg != nil {
		return
	}
	cr.reg = map[uniqdoc.DBType]Connector{}

	if cr.DisableDefaults {
		return
	}

	cr.reg[uniqdoc.DatabaseInMemory] = func(ctx context.Context, db uniqdoc.Database) (uniqdoc.DB, error) {
		return inmem.New(), nil
	}
	cr.reg[uniqdoc.DatabaseFile] = func(ctx context.Context, db uniqdoc.Database) (uniqdoc.DB, error) {
		if err := os.MkdirAll(db.DataDir, 0770); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}

		store, err := filedb.Open(filepath.Join(db.DataDir, db.DataFile), db.Compress)
		if err != nil {
			return nil, fmt.Errorf("initialize filedb: %w", err)
		}
		return store, nil
	}
	cr.reg[uniqdoc.DatabaseSQLite] = func(ctx context.Context, db uniqdoc.Database) (uniqdoc.DB, error) {
		if err := os.MkdirAll(db.DataDir, 0770); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}

		store, err := sqlite.Open(db.DataDir)
		if err != nil {
			return nil, fmt.Errorf("initialize sqlite: %w", err)
		}
		return store, nil
	}
	cr.reg[uniqdoc.DatabaseBadger] = func(ctx context.Context, db uniqdoc.Database) (uniqdoc.DB, error) {
		if err := os.MkdirAll(db.DataDir, 0770); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}

		store, err := badger.Open(db.DataDir)
		if err != nil {
			return nil, fmt.Errorf("initialize badger: %w", err)
		}
		return store, nil
	}
	cr.reg[uniqdoc.DatabaseDynamoDB] = connectDynamo
}

func connectDynamo(ctx context.Context, db uniqdoc.Database) (uniqdoc.DB, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if db.Region != "" {
		opts = append(opts, awsconfig.WithRegion(db.Region))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if db.Endpoint != "" {
			o.BaseEndpoint = aws.String(db.Endpoint)
		}
	})

	store, err := dynamo.New(client, db.Table)
	if err != nil {
		return nil, fmt.Errorf("initialize dynamodb: %w", err)
	}
	return store, nil
}

// Register sets the connector used for engine. If there is already a
// connector for engine, it is replaced.
func (cr *ConnectorRegistry) Register(engine uniqdoc.DBType, connector Connector) error {
	if connector == nil {
		return fmt.Errorf("connector function cannot be nil")
	}
	if _, err := uniqdoc.ParseDBType(engine.String()); err != nil {
		return fmt.Errorf("%q is not a supported DB type", engine)
	}

	cr.initDefaults()
	cr.reg[engine] = connector
	return nil
}

// List returns an alphabetized list of every DBType that has a connector.
func (cr *ConnectorRegistry) List() []uniqdoc.DBType {
	cr.initDefaults()

	types := make([]uniqdoc.DBType, 0, len(cr.reg))
	for k := range cr.reg {
		types = append(types, k)
	}

	sort.Slice(types, func(i, j int) bool {
		return types[i] < types[j]
	})
	return types
}

// Connect opens the DB that db describes. db is validated first.
func (cr *ConnectorRegistry) Connect(ctx context.Context, db uniqdoc.Database) (uniqdoc.DB, error) {
	cr.initDefaults()

	if err := db.Validate(); err != nil {
		return nil, uniqdoc.NewError(err.Error(), uniqdoc.ErrBadArgument)
	}

	connector, ok := cr.reg[db.Type]
	if !ok {
		return nil, fmt.Errorf("no connector registered for %q", db.Type)
	}

	return connector(ctx, db)
}

// Open opens the DB described by the connection string connStr using the
// built-in connectors. See uniqdoc.ParseDBConnString for the format.
func Open(ctx context.Context, connStr string) (uniqdoc.DB, error) {
	cfg, err := uniqdoc.ParseDBConnString(connStr)
	if err != nil {
		return nil, uniqdoc.NewError(err.Error(), uniqdoc.ErrBadArgument)
	}

	var cr ConnectorRegistry
	return cr.Connect(ctx, cfg)
}
