package errs

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	base := errors.New("connection reset")

	assert.Equal(t, TransientIO, KindOf(Transient("exchange.Candles", base)))
	assert.Equal(t, FatalConfig, KindOf(fmt.Errorf("startup: %w", Fatal("config", base))))
	assert.Equal(t, TransientIO, KindOf(fmt.Errorf("oracle: %w", context.DeadlineExceeded)))
	assert.Equal(t, KindUnknown, KindOf(base))
	assert.Equal(t, KindUnknown, KindOf(nil))
}

func TestErrorUnwrap(t *testing.T) {
	base := errors.New("boom")
	err := Mismatch("reconcile", base)

	assert.ErrorIs(t, err, base)
	assert.Equal(t, "reconcile: reconciliation_mismatch: boom", err.Error())
	assert.Nil(t, E(TransientIO, "noop", nil))
}
