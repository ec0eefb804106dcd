package types

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func sampleValues(t *testing.T) map[FieldType]Value {
	t.Helper()
	ref, err := ParseEntityURL("pkm://block/2f1c")
	require.NoError(t, err)
	return map[FieldType]Value{
		FieldString:    String("hello"),
		FieldInteger:   Integer(-42),
		FieldFloat:     Float(3.5),
		FieldBoolean:   Boolean(true),
		FieldDateTime:  DateTime(time.Date(2024, 5, 17, 9, 30, 0, 123456000, time.UTC)),
		FieldJSON:      JSON(json.RawMessage(`{"a":[1,2]}`)),
		FieldReference: Reference(ref),
	}
}

// value -> driver -> value must be the identity for every variant.
func TestValueDriverRoundTrip(t *testing.T) {
	for ft, v := range sampleValues(t) {
		got, err := FromDriver(ft, v.Driver())
		require.NoError(t, err, ft.String())
		require.True(t, v.Equal(got), "%s: %v != %v", ft, v, got)
	}

	got, err := FromDriver(FieldString, nil)
	require.NoError(t, err)
	require.True(t, got.IsNull())
}

// value -> json -> value must be the identity for every variant.
func TestValueJSONRoundTrip(t *testing.T) {
	vals := sampleValues(t)
	vals[FieldType(-1)] = Null
	for _, v := range vals {
		raw, err := json.Marshal(v)
		require.NoError(t, err)
		var got Value
		require.NoError(t, json.Unmarshal(raw, &got))
		require.True(t, v.Equal(got), "%v != %v", v, got)
	}
}

func TestParseEntityURL(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "pkm://block/abc", want: "pkm://block/abc"},
		{in: "https://todoist.com/showTask?id=7", want: "https://todoist.com/showTask?id=7"},
		{in: "block:abc", want: "pkm://block/abc"},
		{in: "[[block:abc]]", want: "pkm://block/abc"},
		{in: "[[https://todoist.com/app/project/9]]", want: "https://todoist.com/app/project/9"},
		{in: "", wantErr: true},
		{in: "nocolon", wantErr: true},
		{in: "trailing:", wantErr: true},
	}
	for _, tt := range tests {
		u, err := ParseEntityURL(tt.in)
		if tt.wantErr {
			require.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		require.Equal(t, tt.want, u.String())
	}

	u, _ := ParseEntityURL("pkm://block/abc")
	require.True(t, u.IsInternal())
	require.Equal(t, "abc", u.LocalID())

	ext, _ := ParseEntityURL("https://todoist.com/showTask/7")
	require.False(t, ext.IsInternal())
}
