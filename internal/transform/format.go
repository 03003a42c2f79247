package transform

import "strings"

// Format is an output encoding
type Format string

const (
	FormatWebP Format = "webp"
	FormatAVIF Format = "avif"
	FormatJPEG Format = "jpeg"
	FormatPNG  Format = "png"
)

// DefaultQuality applies when a request names none
const DefaultQuality = 80

// ParseFormat maps a request value to a Format. jpg is an alias for jpeg;
// empty and unknown values fall back to WebP.
func ParseFormat(s string) Format {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "avif":
		return FormatAVIF
	case "jpeg", "jpg":
		return FormatJPEG
	case "png":
		return FormatPNG
	default:
		return FormatWebP
	}
}

// ContentType returns the MIME type served for f
func (f Format) ContentType() string {
	return "image/" + string(f)
}

func (f Format) String() string {
	return string(f)
}

// ClampQuality limits q to 1..100
func ClampQuality(q int) int {
	switch {
	case q < 1:
		return 1
	case q > 100:
		return 100
	default:
		return q
	}
}
