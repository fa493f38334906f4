package jsoncodec

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnmarshalPayload(t *testing.T) {
	var payload map[string]any
	err := Unmarshal([]byte(`{"DeviceId":"S1","n1025Um1":10.5,"temp":"23"}`), &payload)
	require.NoError(t, err)
	assert.Equal(t, "S1", payload["DeviceId"])
}

func TestEncodeDecode(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, map[string]int{"n": 7}))

	var out map[string]int
	require.NoError(t, Decode(&buf, &out))
	assert.Equal(t, 7, out["n"])
}

func TestFloat(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want float64
		ok   bool
	}{
		{"json number", float64(10.5), 10.5, true},
		{"int", 7, 7.0, true},
		{"numeric string", "23.4", 23.4, true},
		{"padded string", " 23.4 ", 23.4, true},
		{"integer string", "23", 23.0, true},
		{"word", "warm", 0, false},
		{"nil", nil, 0, false},
		{"bool", true, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Float(tt.in)
			assert.Equal(t, tt.ok, ok)
			if ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestInt(t *testing.T) {
	got, ok := Int(float64(275.9))
	require.True(t, ok)
	assert.Equal(t, 275, got)

	_, ok = Int("not a number")
	assert.False(t, ok)
}

func TestString(t *testing.T) {
	got, ok := String(" S1 ")
	require.True(t, ok)
	assert.Equal(t, "S1", got)

	_, ok = String("   ")
	assert.False(t, ok)
	_, ok = String(42)
	assert.False(t, ok)
	_, ok = String(nil)
	assert.False(t, ok)
}
