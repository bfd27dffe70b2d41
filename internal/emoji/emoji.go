// Package emoji extracts pictographic glyphs from message text.
package emoji

import "github.com/rivo/uniseg"

// Extract returns the distinct emoji found in text, in order of first
// appearance. Text is segmented into grapheme clusters so skin-tone
// modifiers, ZWJ sequences, flags and keycaps stay intact as one glyph.
func Extract(text string) []string {
	if text == "" {
		return nil
	}

	var (
		out  []string
		seen map[string]struct{}
	)

	gr := uniseg.NewGraphemes(text)
	for gr.Next() {
		cluster := gr.Str()
		if !isEmoji(gr.Runes()) {
			continue
		}
		if _, dup := seen[cluster]; dup {
			continue
		}
		if seen == nil {
			seen = make(map[string]struct{})
		}
		seen[cluster] = struct{}{}
		out = append(out, cluster)
	}
	return out
}

// isEmoji reports whether a grapheme cluster renders as an emoji: either a
// rune from the pictographic blocks, or any base character forced into emoji
// presentation by a variation selector or combining keycap.
func isEmoji(runes []rune) bool {
	var pictographic, presentation bool
	for _, r := range runes {
		switch {
		case r >= 0x1F000 && r <= 0x1FAFF: // pictographs, transport, supplemental, flags
			pictographic = true
		case r >= 0x2600 && r <= 0x27BF: // misc symbols, dingbats
			pictographic = true
		case r >= 0x2B00 && r <= 0x2BFF: // arrows and stars (⭐)
			pictographic = true
		case r == 0xFE0F || r == 0x20E3: // variation selector-16, combining keycap
			presentation = true
		}
	}
	return pictographic || presentation
}
