package heatmap

// Palette assigns a color to each bucket, lightest first.
type Palette [5]string

// DefaultPalette is the familiar green contribution ramp.
var DefaultPalette = Palette{"#ebedf0", "#9be9a8", "#40c463", "#30a14e", "#216e39"}

// Color returns the color for b, clamping out-of-range buckets.
func (p Palette) Color(b Bucket) string {
	switch {
	case b < Bucket0:
		b = Bucket0
	case b > Bucket4:
		b = Bucket4
	}
	return p[b]
}

// Valid reports whether every bucket has a color.
func (p Palette) Valid() bool {
	for _, c := range p {
		if c == "" {
			return false
		}
	}
	return true
}
