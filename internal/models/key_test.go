package models

import (
	"encoding/json"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKey_JSON(t *testing.T) {
	tests := []struct {
		name string
		key  Key
		json string
	}{
		{name: "string key", key: StringKey("abc"), json: `"abc"`},
		{name: "numeric key", key: IntKey(42), json: `42`},
		{name: "negative numeric key", key: IntKey(-7), json: `-7`},
		{name: "zero key", key: Key{}, json: `null`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.key)
			require.NoError(t, err)
			assert.JSONEq(t, tt.json, string(data))

			var decoded Key
			require.NoError(t, json.Unmarshal(data, &decoded))
			assert.Equal(t, tt.key, decoded)
		})
	}
}

func TestKey_UnmarshalRejectsFraction(t *testing.T) {
	var k Key
	err := json.Unmarshal([]byte(`1.5`), &k)

	var keyErr *InvalidKeyError
	assert.ErrorAs(t, err, &keyErr)
}

func TestKey_BytesOrder(t *testing.T) {
	keys := []Key{
		StringKey("b"),
		IntKey(10),
		StringKey("a"),
		IntKey(-3),
		IntKey(0),
		StringKey("aa"),
	}

	sort.Slice(keys, func(i, j int) bool { return keys[i].Compare(keys[j]) < 0 })

	// Числа идут раньше строк, числа по значению, строки побайтно
	expected := []Key{IntKey(-3), IntKey(0), IntKey(10), StringKey("a"), StringKey("aa"), StringKey("b")}
	assert.Equal(t, expected, keys)

	for _, k := range keys {
		decoded, err := KeyFromBytes(k.Bytes())
		require.NoError(t, err)
		assert.Equal(t, k, decoded)
	}
}

func TestKey_Validate(t *testing.T) {
	assert.NoError(t, IntKey(0).Validate())
	assert.NoError(t, StringKey("x").Validate())
	assert.Error(t, Key{}.Validate())
	assert.Error(t, StringKey(string([]byte{0xff, 0xfe})).Validate())
}

func TestParseKey(t *testing.T) {
	assert.Equal(t, IntKey(12), ParseKey("12"))
	assert.Equal(t, StringKey("12a"), ParseKey("12a"))
	assert.True(t, NewProvisionalKey().Validate() == nil)
}

func TestKeyRange_Contains(t *testing.T) {
	bound, err := Bound(IntKey(1), IntKey(5), true, false)
	require.NoError(t, err)

	tests := []struct {
		name     string
		r        KeyRange
		key      Key
		expected bool
	}{
		{name: "only match", r: Only(StringKey("a")), key: StringKey("a"), expected: true},
		{name: "only miss", r: Only(StringKey("a")), key: StringKey("b"), expected: false},
		{name: "open lower bound excludes edge", r: bound, key: IntKey(1), expected: false},
		{name: "closed upper bound includes edge", r: bound, key: IntKey(5), expected: true},
		{name: "above range", r: bound, key: IntKey(6), expected: false},
		{name: "lower bound", r: LowerBound(IntKey(3), false), key: StringKey("z"), expected: true},
		{name: "upper bound open", r: UpperBound(IntKey(3), true), key: IntKey(3), expected: false},
		{name: "all", r: All(), key: StringKey("anything"), expected: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.r.Contains(tt.key))
		})
	}

	_, err = Bound(IntKey(5), IntKey(1), false, false)
	assert.Error(t, err)
}
