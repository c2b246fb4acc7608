package uniqdoc

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func Test_Error(t *testing.T) {
	testCases := []struct {
		name      string
		err       Error
		expectMsg string
		expectIs  []error
	}{
		{
			name:      "message only",
			err:       NewError("bad thing"),
			expectMsg: "bad thing",
		},
		{
			name:      "message and cause",
			err:       NewError("document \"a\"", ErrAlreadyExists),
			expectMsg: "document \"a\": " + ErrAlreadyExists.Error(),
			expectIs:  []error{ErrAlreadyExists},
		},
		{
			name:      "cause only",
			err:       NewError("", ErrNotFound),
			expectMsg: ErrNotFound.Error(),
			expectIs:  []error{ErrNotFound},
		},
		{
			name:      "db error",
			err:       WrapDBError(errors.New("disk full"), "write"),
			expectMsg: "write: disk full",
			expectIs:  []error{ErrDB},
		},
		{
			name:      "db error with format",
			err:       WrapDBErrorf(ErrNotFound, "get %q", "a"),
			expectMsg: "get \"a\": " + ErrNotFound.Error(),
			expectIs:  []error{ErrDB, ErrNotFound},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert := assert.New(t)

			assert.Equal(tc.expectMsg, tc.err.Error())
			for _, target := range tc.expectIs {
				assert.ErrorIs(tc.err, target)
			}
			assert.False(errors.Is(tc.err, ErrConstraintViolation))
		})
	}
}

func Test_Error_Is_SameError(t *testing.T) {
	sentinel := NewError("sealed", ErrSessionState)
	wrapped := fmt.Errorf("declare: %w", sentinel)

	assert.ErrorIs(t, wrapped, sentinel)
	assert.ErrorIs(t, wrapped, ErrSessionState)
}

func Test_UniqueConstraintViolation(t *testing.T) {
	assert := assert.New(t)
	var err error = &UniqueConstraintViolation{Collection: "Products", Field: "Gtin", Value: "ABC12345", ExistingID: "p1"}

	wrapped := fmt.Errorf("save: %w", err)

	assert.ErrorIs(wrapped, ErrConstraintViolation)
	var v *UniqueConstraintViolation
	if assert.ErrorAs(wrapped, &v) {
		assert.Equal("p1", v.ExistingID)
	}
	assert.Contains(err.Error(), `Products.Gtin value ABC12345 is already used by document "p1"`)
}

func Test_ConflictError(t *testing.T) {
	assert := assert.New(t)
	key := EntryKey{Collection: "Products", Field: "Gtin", Value: "s:ABC12345"}

	withOwner := &ConflictError{Key: key, ExistingID: "p1"}
	assert.ErrorIs(withOwner, ErrConflict)
	assert.Equal(ErrConflict.Error()+`: Products.Gtin[s:ABC12345] is owned by "p1"`, withOwner.Error())

	noOwner := &ConflictError{Key: key}
	assert.Equal(ErrConflict.Error()+": Products.Gtin[s:ABC12345]", noOwner.Error())
}
