package persist

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNaming_Name(t *testing.T) {
	tests := []struct {
		name   string
		naming Naming
		in     string
		want   string
	}{
		{"sanitize", Naming{}, "smartcity_/parks_Room1_Room", "smartcity__parks_Room1_Room"},
		{"lowercase", Naming{Lowercase: true}, "SmartCity_Room1", "smartcity_room1"},
		{"encoding", Naming{Encoding: true}, "a_/b", "ax005fx002fb"},
		{"encoding escapes x", Naming{Encoding: true}, "box", "box0078"},
		{"lowercase then encode", Naming{Lowercase: true, Encoding: true}, "X-1", "x0078x002d1"},
		{"prefix", Naming{Prefix: "forward-", Lowercase: true}, "Svc", "forward-svc"},
		{"unicode", Naming{}, "año", "a_o"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.naming.Name(tt.in))
		})
	}
}

func TestEncode_Unicode(t *testing.T) {
	assert.Equal(t, "ax00f1o", Encode("año"))
}
