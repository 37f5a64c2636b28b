package storage_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkoelker/solara-proxy/storage"
)

func TestDecodeEntries(t *testing.T) {
	t.Parallel()

	t.Run("Object", func(t *testing.T) {
		t.Parallel()

		entries, err := storage.DecodeEntries(json.RawMessage(`{"volume":0.8,"muted":false}`))
		require.NoError(t, err)
		assert.Equal(t, json.Number("0.8"), entries["volume"])
		assert.Equal(t, false, entries["muted"])
	})

	for name, raw := range map[string]string{
		"Absent": ``,
		"Null":   `null`,
		"Array":  `[1,2]`,
		"String": `"volume"`,
		"Number": `42`,
		"Broken": `{"volume":`,
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			_, err := storage.DecodeEntries(json.RawMessage(raw))
			assert.ErrorIs(t, err, storage.ErrInvalidPayload)
		})
	}
}

func TestDecodeKeys(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		raw     string
		want    []string
		wantErr bool
	}{
		{name: "Absent", raw: ``, want: nil},
		{name: "Null", raw: `null`, want: nil},
		{name: "Strings", raw: `["volume","favoriteSongs"]`, want: []string{"volume", "favoriteSongs"}},
		{name: "DropsNonStrings", raw: `["volume",1,null,"",true,{"a":1}]`, want: []string{"volume"}},
		{name: "Empty", raw: `[]`, want: []string{}},
		{name: "String", raw: `"volume"`, wantErr: true},
		{name: "Object", raw: `{"0":"volume"}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			keys, err := storage.DecodeKeys(json.RawMessage(tt.raw))
			if tt.wantErr {
				require.ErrorIs(t, err, storage.ErrInvalidPayload)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, keys)
		})
	}
}

func TestValueString(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		value any
		want  string
	}{
		{name: "Nil", value: nil, want: ""},
		{name: "String", value: "dark", want: "dark"},
		{name: "Number", value: json.Number("0.80"), want: "0.80"},
		{name: "Float", value: 0.5, want: "0.5"},
		{name: "Int", value: 3, want: "3"},
		{name: "True", value: true, want: "true"},
		{name: "False", value: false, want: "false"},
		{name: "Array", value: []any{"a", json.Number("1")}, want: `["a",1]`},
		{name: "Object", value: map[string]any{"id": "x&y"}, want: `{"id":"x&y"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.want, storage.ValueString(tt.value))
		})
	}
}
