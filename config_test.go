package uniqdoc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func Test_ParseDBConnString(t *testing.T) {
	testCases := []struct {
		name      string
		input     string
		expect    Database
		expectErr bool
	}{
		{name: "inmem", input: "inmem", expect: Database{Type: DatabaseInMemory}},
		{name: "inmem, any case", input: "InMem", expect: Database{Type: DatabaseInMemory}},
		{name: "inmem with params", input: "inmem:foo", expectErr: true},
		{name: "sqlite", input: "sqlite:/var/data", expect: Database{Type: DatabaseSQLite, DataDir: "/var/data"}},
		{name: "sqlite without path", input: "sqlite", expectErr: true},
		{name: "badger", input: "badger:./kv", expect: Database{Type: DatabaseBadger, DataDir: "./kv"}},
		{
			name:   "filedb minimal",
			input:  "filedb:dir=/var/data",
			expect: Database{Type: DatabaseFile, DataDir: "/var/data", DataFile: DefaultDataFile},
		},
		{
			name:   "filedb all params",
			input:  "filedb:file=docs.uqd,compress=true,dir=/var/data",
			expect: Database{Type: DatabaseFile, DataDir: "/var/data", DataFile: "docs.uqd", Compress: true},
		},
		{
			name:   "filedb escaped separator",
			input:  `filedb:dir=/var/a\,b`,
			expect: Database{Type: DatabaseFile, DataDir: "/var/a,b", DataFile: DefaultDataFile},
		},
		{name: "filedb missing dir", input: "filedb:file=x.uqd", expectErr: true},
		{name: "filedb bad compress", input: "filedb:dir=d,compress=maybe", expectErr: true},
		{name: "filedb not a map", input: "filedb:/var/data", expectErr: true},
		{
			name:   "dynamodb",
			input:  "dynamodb:table=docs,region=us-west-2,endpoint=http://localhost:8000",
			expect: Database{Type: DatabaseDynamoDB, Table: "docs", Region: "us-west-2", Endpoint: "http://localhost:8000"},
		},
		{name: "dynamodb missing table", input: "dynamodb:region=us-west-2", expectErr: true},
		{name: "unknown engine", input: "postgres:localhost", expectErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert := assert.New(t)

			actual, err := ParseDBConnString(tc.input)

			if tc.expectErr {
				assert.Error(err)
				return
			}
			if !assert.NoError(err) {
				return
			}
			assert.Equal(tc.expect, actual)
		})
	}
}

func Test_Database_Validate(t *testing.T) {
	testCases := []struct {
		name      string
		db        Database
		expectErr bool
	}{
		{name: "inmem", db: Database{Type: DatabaseInMemory}},
		{name: "filedb", db: Database{Type: DatabaseFile, DataDir: "d", DataFile: "f"}},
		{name: "filedb without file", db: Database{Type: DatabaseFile, DataDir: "d"}, expectErr: true},
		{name: "badger", db: Database{Type: DatabaseBadger, DataDir: "d"}},
		{name: "dynamodb without table", db: Database{Type: DatabaseDynamoDB}, expectErr: true},
		{name: "none", db: Database{Type: DatabaseNone}, expectErr: true},
		{name: "unknown", db: Database{Type: DBType("postgres")}, expectErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.db.Validate()
			if tc.expectErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
