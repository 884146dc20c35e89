package chat

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolveKey(t *testing.T) {
	t.Run("orders participants lexicographically", func(t *testing.T) {
		key, err := ResolveKey("bob", "alice")
		assert.NoError(t, err, "expected no error for valid ids")
		assert.Equal(t, Key("alice_bob"), key, "expected ids to be ordered before joining")
	})

	t.Run("is symmetric", func(t *testing.T) {
		k1, err := ResolveKey("u100", "u200")
		assert.NoError(t, err)
		k2, err := ResolveKey("u200", "u100")
		assert.NoError(t, err)
		assert.Equal(t, k1, k2, "expected ResolveKey(a, b) == ResolveKey(b, a)")
	})

	t.Run("distinct pairs never collide", func(t *testing.T) {
		ids := []string{"a", "b", "c", "ab", "bc", "abc"}
		seen := make(map[Key][2]string)
		for i, a := range ids {
			for _, b := range ids[i+1:] {
				key, err := ResolveKey(a, b)
				assert.NoError(t, err)
				if prev, ok := seen[key]; ok {
					t.Fatalf("pair (%s, %s) collides with (%s, %s) on key %q", a, b, prev[0], prev[1], key)
				}
				seen[key] = [2]string{a, b}
			}
		}
	})

	t.Run("rejects empty ids", func(t *testing.T) {
		_, err := ResolveKey("", "bob")
		assert.True(t, errors.Is(err, ErrInvalidInput), "expected ErrInvalidInput for empty id")

		_, err = ResolveKey("alice", "")
		assert.True(t, errors.Is(err, ErrInvalidInput), "expected ErrInvalidInput for empty id")
	})

	t.Run("rejects equal ids", func(t *testing.T) {
		_, err := ResolveKey("alice", "alice")
		assert.True(t, errors.Is(err, ErrInvalidInput), "expected ErrInvalidInput for self conversation")
	})

	t.Run("rejects ids containing the separator", func(t *testing.T) {
		_, err := ResolveKey("ali_ce", "bob")
		assert.True(t, errors.Is(err, ErrInvalidInput), "expected ErrInvalidInput for reserved separator")
	})
}

func TestKeyParticipants(t *testing.T) {
	key, err := ResolveKey("carol", "bob")
	assert.NoError(t, err)

	a, b := key.Participants()
	assert.Equal(t, "bob", a, "expected first participant to be the lexicographically smaller id")
	assert.Equal(t, "carol", b, "expected second participant to be the larger id")
}

func TestKeyHas(t *testing.T) {
	key, err := ResolveKey("alice", "bob")
	assert.NoError(t, err)

	assert.True(t, key.Has("alice"), "expected alice to be a participant")
	assert.True(t, key.Has("bob"), "expected bob to be a participant")
	assert.False(t, key.Has("mallory"), "expected mallory not to be a participant")
	assert.False(t, key.Has(""), "expected empty id not to be a participant")
}

func TestKeyOther(t *testing.T) {
	key, err := ResolveKey("alice", "bob")
	assert.NoError(t, err)

	other, ok := key.Other("alice")
	assert.True(t, ok)
	assert.Equal(t, "bob", other, "expected bob to be alice's counterpart")

	other, ok = key.Other("bob")
	assert.True(t, ok)
	assert.Equal(t, "alice", other, "expected alice to be bob's counterpart")

	_, ok = key.Other("mallory")
	assert.False(t, ok, "expected no counterpart for a non-participant")
}
