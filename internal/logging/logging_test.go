package logging

import (
	"path/filepath"
	"testing"

	"github.com/dekarrin/uniqdoc"
	"github.com/stretchr/testify/assert"
)

func Test_New(t *testing.T) {
	testCases := []struct {
		name       string
		provider   uniqdoc.LogProvider
		filename   string
		expectType uniqdoc.Logger
		expectErr  bool
	}{
		{
			name:       "jellog log",
			provider:   uniqdoc.Jellog,
			filename:   "test-jellog.log",
			expectType: jellogLogger{},
		},
		{
			name:       "standard log",
			provider:   uniqdoc.StdLog,
			filename:   "test-std.log",
			expectType: stdLogger{},
		},
		{
			name:       "zap log",
			provider:   uniqdoc.Zap,
			filename:   "test-zap.log",
			expectType: zapLogger{},
		},
		{
			name:      "NoLog provider is an error",
			provider:  uniqdoc.NoLog,
			filename:  "test-none.log",
			expectErr: true,
		},
		{
			name:      "unknown provider is an error",
			provider:  uniqdoc.LogProvider(-1),
			filename:  "test-unknown.log",
			expectErr: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert := assert.New(t)

			tempDir := t.TempDir()
			filePath := filepath.Join(tempDir, tc.filename)

			actual, err := New(tc.provider, filePath)

			if tc.expectErr {
				assert.Error(err)
			} else {
				assert.NoError(err)
				assert.IsType(tc.expectType, actual)
			}
		})
	}
}

func Test_OrNoOp(t *testing.T) {
	assert := assert.New(t)

	assert.IsType(NoOpLogger{}, OrNoOp(nil))

	std, err := New(uniqdoc.StdLog, "")
	if !assert.NoError(err) {
		return
	}
	assert.Equal(std, OrNoOp(std))
}
