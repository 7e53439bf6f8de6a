package store

import (
	"errors"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
)

func TestIsDupKeyError(t *testing.T) {
	s := &convStore{}
	assert.True(t, s.IsDupKeyError(&mysql.MySQLError{Number: 1062}))
	assert.False(t, s.IsDupKeyError(&mysql.MySQLError{Number: 1213}))
	assert.False(t, s.IsDupKeyError(errors.New("duplicate entry")))
	assert.False(t, s.IsDupKeyError(nil))
}
