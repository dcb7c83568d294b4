// Package render turns grayscale sample buffers into printable glyph strings.
package render

import "strings"

// Glyphs is ordered from darkest (index 0) to brightest.
const Glyphs = " .'`^\",:;Il!i><~+_-?][}{1)(|/tfjrxnuvczXYUJCLQ0OZmwqpdbkhao*#MW&8%B@$"

// Brightness converts a sample to an integer percentage, floor(s/255*100).
func Brightness(sample byte) int {
	return int(sample) * 100 / 255
}

// GlyphIndex maps one sample to its position in Glyphs. Samples whose
// brightness is strictly below threshold map to the darkest glyph.
func GlyphIndex(sample byte, threshold int) int {
	n := len(Glyphs)
	brightness := Brightness(sample)

	switch {
	case brightness > 100:
		// Only reachable if a resizer hands back out-of-range samples.
		return n - 1
	case brightness < threshold:
		return 0
	}

	idx := brightness * n / 100
	if idx >= n {
		idx = n - 1
	}
	if idx < 0 {
		idx = 0
	}
	return idx
}

// Render maps every sample of a row-major buffer to one glyph. No newlines are
// inserted; rows line up because the terminal is exactly as wide as the frame.
func Render(samples []byte, threshold int) string {
	var b strings.Builder
	b.Grow(len(samples))
	for _, s := range samples {
		b.WriteByte(Glyphs[GlyphIndex(s, threshold)])
	}
	return b.String()
}
