package emoji

import (
	"reflect"
	"testing"
)

func TestExtract(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []string
	}{
		{"empty", "", nil},
		{"plain text", "hello world", nil},
		{"single emoji", "nice 👍", []string{"👍"}},
		{"multiple", "🎉 party 🎉 time 🚀", []string{"🎉", "🚀"}},
		{"skin tone kept together", "👍🏽 ok", []string{"👍🏽"}},
		{"zwj family", "👨‍👩‍👧 home", []string{"👨‍👩‍👧"}},
		{"flag pair", "go 🇧🇷!", []string{"🇧🇷"}},
		{"keycap", "press 1️⃣ now", []string{"1️⃣"}},
		{"heart with vs16", "love ❤️", []string{"❤️"}},
		{"digits are not emoji", "call 5551234", nil},
		{"dedup preserves first-seen order", "🚀🎉🚀", []string{"🚀", "🎉"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Extract(tt.text)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Extract(%q) = %v, want %v", tt.text, got, tt.want)
			}
		})
	}
}
