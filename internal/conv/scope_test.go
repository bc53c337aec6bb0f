package conv

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScopeReleasesInReverseOrderOnce(t *testing.T) {
	var order []string
	s := &Scope{}
	for _, name := range []string{"a", "b", "c"} {
		s.Defer(name, func() error {
			order = append(order, name)
			return nil
		})
	}
	require.Equal(t, 3, s.Len())

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, []string{"c", "b", "a"}, order)
	assert.Zero(t, s.Len())
}

func TestScopeKeepsReleasingAfterFailure(t *testing.T) {
	boom := errors.New("boom")
	var ran []string
	s := &Scope{}
	s.Defer("first", func() error { ran = append(ran, "first"); return nil })
	s.Defer("second", func() error { ran = append(ran, "second"); return boom })
	s.Defer("third", func() error { ran = append(ran, "third"); return boom })

	err := s.Close()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRelease)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"third", "second", "first"}, ran)

	var step *StepError
	require.ErrorAs(t, err, &step)
	assert.Equal(t, "third", step.Call)
	assert.Regexp(t, `^scope_test\.go:\d+$`, step.Location)
}
