package internal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCleanISBN(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "0306406152", CleanISBN("0-306-40615-2"))
	assert.Equal(t, "097522980X", CleanISBN("0 9752298 0 x"))
	// Junk is left in place so validation rejects it.
	assert.Equal(t, "03064o6152", CleanISBN("03064o6152"))
}

func TestValidISBN(t *testing.T) {
	t.Parallel()

	assert.True(t, ValidISBN("0306406152"))
	assert.True(t, ValidISBN("0-306-40615-2"))
	assert.True(t, ValidISBN("097522980X"))
	assert.True(t, ValidISBN("9780306406157"))
	assert.True(t, ValidISBN("978-0-306-40615-7"))

	assert.False(t, ValidISBN(""))
	assert.False(t, ValidISBN("0306406153"))    // Bad check digit.
	assert.False(t, ValidISBN("9780306406158")) // Bad check digit.
	assert.False(t, ValidISBN("030640615"))     // Too short.
	assert.False(t, ValidISBN("not an isbn"))
	assert.False(t, ValidISBN("030640615X2")) // X in the middle.
}

func TestToISBN13(t *testing.T) {
	t.Parallel()

	got, err := ToISBN13("0-306-40615-2")
	require.NoError(t, err)
	assert.Equal(t, "9780306406157", got)

	// X check digits are recomputed, not carried over.
	got, err = ToISBN13("097522980X")
	require.NoError(t, err)
	assert.Equal(t, "9780975229804", got)

	// Idempotent on 13-digit input.
	again, err := ToISBN13(got)
	require.NoError(t, err)
	assert.Equal(t, got, again)

	_, err = ToISBN13("junk")
	assert.ErrorIs(t, err, errInvalidISBN)
}
