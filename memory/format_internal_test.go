package memory

import (
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestTruncateText_KeepsRunesWhole(t *testing.T) {
	s := "Купить молоко и хлеб по дороге домой, не забыть"
	got := truncateText(s, 20)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, 20, utf8.RuneCountInString(got))
	assert.Equal(t, "Купить молоко и х...", got)

	assert.Equal(t, "短い", truncateText("短い", 50))
}
