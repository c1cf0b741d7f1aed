package pubsub

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatch(t *testing.T) {
	cases := []struct {
		pattern, topic string
		want           bool
	}{
		{"room.abc", "room.abc", true},
		{"room.abc", "room.abd", false},
		{"room.*", "room.abc", true},
		{"room.*", "room.abc.x", false},
		{"room.*", "room", false},
		{"room.#", "room", true},
		{"room.#", "room.abc", true},
		{"room.#", "room.abc.def", true},
		{"room.#.def", "room.abc.def", true},
		{"room.#.def", "room.def", true},
		{"room.#.def", "room.abc.xyz", false},
		{"room.#", "receipt.abc", false},
		{"presence.*.online", "presence.alice.online", true},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Match(tc.pattern, tc.topic), "%s ~ %s", tc.pattern, tc.topic)
	}
}

func TestValidTopicAndPattern(t *testing.T) {
	assert.True(t, ValidTopic("room.abc"))
	assert.False(t, ValidTopic(""))
	assert.False(t, ValidTopic("room.*"))
	assert.False(t, ValidTopic("room..abc"))

	assert.True(t, ValidPattern("room.#"))
	assert.True(t, ValidPattern("receipt"))
	assert.False(t, ValidPattern("#"))
	assert.False(t, ValidPattern("*.abc"))
	assert.False(t, ValidPattern("room."))

	assert.Equal(t, "room", Family("room.abc.def"))
	assert.Equal(t, "room", Family("room"))
}
