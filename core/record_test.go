package core_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/becomeliminal/nim-notes/core"
)

func TestNewRecordKey_Unique(t *testing.T) {
	seen := make(map[core.RecordKey]bool)
	for i := 0; i < 1000; i++ {
		k := core.NewRecordKey()
		assert.False(t, seen[k], "duplicate key %s", k)
		seen[k] = true
	}
}

func TestMessageRecord_Clone(t *testing.T) {
	rec := &core.MessageRecord{
		Key:       "k1",
		OwnerID:   42,
		Text:      "hello world",
		Embedding: []float32{1, 2, 3},
	}

	c := rec.Clone()
	c.Embedding[0] = 9
	c.Text = "changed"

	assert.Equal(t, float32(1), rec.Embedding[0])
	assert.Equal(t, "hello world", rec.Text)
	assert.True(t, rec.Provisional())

	rec.ExternalID = 1001
	assert.False(t, rec.Provisional())
}

func TestInput_Chat(t *testing.T) {
	in := &core.Input{OwnerID: 42}
	assert.Equal(t, core.ChatID(42), in.Chat())

	in.ChatID = -100
	assert.Equal(t, core.ChatID(-100), in.Chat())
}
