package detection

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLevenshteinDistance(t *testing.T) {
	tests := []struct {
		s1       string
		s2       string
		expected int
	}{
		{"", "", 0},
		{"abc", "abc", 0},
		{"abc", "ab", 1},
		{"microsoft", "micros0ft", 1},
		{"paypal", "paypa1", 1},
		{"google", "g00gle", 2},
		{"", "abc", 3},
		{"abc", "", 3},
		{"kitten", "sitting", 3},
		{"paypal.com", "paypal.co", 1},
	}

	for _, tt := range tests {
		t.Run(tt.s1+" vs "+tt.s2, func(t *testing.T) {
			distance := levenshteinDistance(tt.s1, tt.s2)
			assert.Equal(t, tt.expected, distance)
		})
	}
}

func TestShannonEntropy(t *testing.T) {
	all := make([]byte, 256)
	for i := range all {
		all[i] = byte(i)
	}

	tests := []struct {
		name     string
		data     []byte
		expected float64
	}{
		{"Empty", nil, 0},
		{"Single symbol", bytes.Repeat([]byte("a"), 64), 0},
		{"Two symbols", []byte("abababab"), 1},
		{"Every byte once", all, 8},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expected, shannonEntropy(tt.data), 1e-9)
		})
	}
}

func TestNumberField(t *testing.T) {
	tests := []struct {
		name     string
		record   map[string]any
		expected float64
		found    bool
	}{
		{"JSON number", map[string]any{"dst_port": 443.0}, 443, true},
		{"Fallback key", map[string]any{"port": 22}, 22, true},
		{"Numeric string", map[string]any{"dst_port": " 8080 "}, 8080, true},
		{"Non-numeric string", map[string]any{"dst_port": "http"}, 0, false},
		{"Missing", map[string]any{"src_port": 1}, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := numberField(tt.record, "dst_port", "port")
			assert.Equal(t, tt.found, ok)
			assert.Equal(t, tt.expected, got)
		})
	}
}
