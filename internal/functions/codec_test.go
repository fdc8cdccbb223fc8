package functions

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode(t *testing.T) {
	type payload struct {
		Name  string   `json:"name"`
		Tags  []string `json:"tags,omitempty"`
		Count int      `json:"count"`
	}

	tests := []struct {
		name string
		in   any
		want any
	}{
		{name: "nil", in: nil, want: nil},
		{name: "string", in: "x", want: "x"},
		{name: "bool", in: true, want: true},
		{name: "float", in: 1.5, want: 1.5},
		{name: "small int", in: 42, want: int64(42)},
		{name: "safe int64", in: int64(maxSafeInteger), want: int64(maxSafeInteger)},
		{
			name: "unsafe int64",
			in:   int64(maxSafeInteger + 2),
			want: map[string]any{"@type": longType, "value": "9007199254740993"},
		},
		{
			name: "negative unsafe int64",
			in:   int64(-maxSafeInteger - 2),
			want: map[string]any{"@type": longType, "value": "-9007199254740993"},
		},
		{
			name: "unsafe uint64",
			in:   uint64(math.MaxUint64),
			want: map[string]any{"@type": unsignedLongType, "value": "18446744073709551615"},
		},
		{
			name: "time",
			in:   time.Date(2026, 1, 2, 3, 4, 5, 6_000_000, time.FixedZone("x", 3600)),
			want: "2026-01-02T02:04:05.006Z",
		},
		{
			name: "nested",
			in:   map[string]any{"a": []any{1, "b", nil}},
			want: map[string]any{"a": []any{int64(1), "b", nil}},
		},
		{
			name: "typed slice",
			in:   []string{"a", "b"},
			want: []any{"a", "b"},
		},
		{
			name: "struct",
			in:   payload{Name: "n", Count: 2},
			want: map[string]any{"name": "n", "count": 2.0},
		},
		{
			name: "struct pointer",
			in:   &payload{Name: "n", Tags: []string{"t"}},
			want: map[string]any{"name": "n", "tags": []any{"t"}, "count": 0.0},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Encode(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEncode_Invalid(t *testing.T) {
	for name, in := range map[string]any{
		"nan":        math.NaN(),
		"infinity":   math.Inf(1),
		"int keys":   map[int]string{1: "a"},
		"channel":    make(chan int),
		"func":       func() {},
		"nested inf": map[string]any{"x": math.Inf(-1)},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Encode(in)
			assert.Error(t, err)
		})
	}
}

func TestDecode(t *testing.T) {
	var in any
	require.NoError(t, json.Unmarshal([]byte(`{
		"long": {"@type": "type.googleapis.com/google.protobuf.Int64Value", "value": "-9007199254740993"},
		"ulong": {"@type": "type.googleapis.com/google.protobuf.UInt64Value", "value": "18446744073709551615"},
		"list": [1, {"@type": "type.googleapis.com/google.protobuf.Int64Value", "value": "2"}],
		"plain": "x"
	}`), &in))

	got, err := Decode(in)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"long":  int64(-9007199254740993),
		"ulong": uint64(math.MaxUint64),
		"list":  []any{1.0, int64(2)},
		"plain": "x",
	}, got)
}

func TestDecode_Invalid(t *testing.T) {
	tests := map[string]any{
		"unknown type":  map[string]any{"@type": "type.googleapis.com/Other", "value": "1"},
		"not a number":  map[string]any{"@type": longType, "value": "abc"},
		"missing value": map[string]any{"@type": unsignedLongType},
		"nested":        []any{map[string]any{"@type": "x", "value": "1"}},
	}
	for name, in := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(in)
			assert.Error(t, err)
		})
	}
}

func TestAs(t *testing.T) {
	type answer struct {
		Text    string    `json:"text"`
		Score   int       `json:"score"`
		Created time.Time `json:"created"`
		Tags    []string  `json:"tags"`
	}

	data := map[string]any{
		"text":    "hello",
		"score":   3.0,
		"created": "2026-01-02T02:04:05.006Z",
		"tags":    []any{"a", "b"},
	}
	var out answer
	require.NoError(t, As(data, &out))
	assert.Equal(t, answer{
		Text:    "hello",
		Score:   3,
		Created: time.Date(2026, 1, 2, 2, 4, 5, 6_000_000, time.UTC),
		Tags:    []string{"a", "b"},
	}, out)
}
