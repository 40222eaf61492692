//go:build unit

package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode_PrefersJSON(t *testing.T) {
	data, err := encode(map[string]any{"a": 1})
	require.NoError(t, err)

	assert.JSONEq(t, `{"a":1}`, string(data))
	assert.False(t, isGob(data))
}

func TestEncode_FallsBackToGob(t *testing.T) {
	data, err := encode(complex64(3))
	require.NoError(t, err)
	assert.True(t, isGob(data))

	v, err := decodeAny(data, complex64(0))
	require.NoError(t, err)
	assert.Equal(t, complex64(3), v)
}

func TestEncode_Unencodable(t *testing.T) {
	_, err := encode(func() {})
	assert.ErrorIs(t, err, ErrEncode)
}

func TestDecodeAny_NestedNumbers(t *testing.T) {
	v, err := decodeAny([]byte(`{"n":[1,2.5,{"big":9007199254740993}],"s":"x"}`), nil)
	require.NoError(t, err)

	assert.Equal(t, map[string]any{
		"n": []any{1, 2.5, map[string]any{"big": 9007199254740993}},
		"s": "x",
	}, v)
}

func TestDecodeAny_Errors(t *testing.T) {
	_, err := decodeAny([]byte(`{`), nil)
	assert.ErrorIs(t, err, ErrDecode)

	_, err = decodeAny(append(append([]byte{}, gobMagic...), 0x01), nil)
	assert.ErrorIs(t, err, ErrDecode)

	_, err = decodeInto[int]([]byte(`"text"`))
	assert.ErrorIs(t, err, ErrDecode)
}

func TestEncode_WholeFloatsKeepFraction(t *testing.T) {
	data, err := encode(1.0)
	require.NoError(t, err)
	assert.Equal(t, "1.0", string(data))

	data, err = encode(float32(2))
	require.NoError(t, err)
	assert.Equal(t, "2.0", string(data))

	data, err = encode(1e21)
	require.NoError(t, err)
	assert.NotContains(t, string(data), ".0.0")
}

func TestDecodeAny_ScalarKinds(t *testing.T) {
	tests := []struct {
		name  string
		value any
		hint  any
		want  any
	}{
		{name: "int without hint", value: 42, want: 42},
		{name: "whole float without hint", value: 1.0, want: 1.0},
		{name: "int with int hint", value: 7, hint: 0, want: 7},
		{name: "int64 with int64 hint", value: int64(7), hint: int64(0), want: int64(7)},
		{name: "float with float hint", value: 3.0, hint: 0.0, want: 3.0},
		{name: "string with unrelated hint", value: "x", hint: 0, want: "x"},
		{name: "null with hint", value: nil, hint: "default", want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := encode(tt.value)
			require.NoError(t, err)

			got, err := decodeAny(data, tt.hint)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
