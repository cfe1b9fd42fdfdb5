package text

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", Truncate("abc", 0))
	assert.Equal(t, "abc", Truncate("abc", 3))
	assert.Equal(t, "ab...", Truncate("abcdef", 2))
	// "盈亏" is 6 bytes; cutting at 4 backs off to the first rune.
	assert.Equal(t, "盈...", Truncate("盈亏", 4))
}
