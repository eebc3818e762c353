package imagecache

import (
	"errors"
	"fmt"
	"path"
	"strings"
)

// Format identifies an image encoding handled by the gateway.
type Format string

const (
	FormatPNG  Format = "png"
	FormatJPEG Format = "jpeg"
	FormatGIF  Format = "gif"
	FormatWebP Format = "webp"
	FormatBMP  Format = "bmp"
)

// ErrUnknownFormat is returned when a format name or file extension does not
// match any supported image encoding.
var ErrUnknownFormat = errors.New("unknown image format")

// ParseFormat parses a format name. Matching is case-insensitive and accepts
// the common "jpg" alias for JPEG.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "png":
		return FormatPNG, nil
	case "jpeg", "jpg":
		return FormatJPEG, nil
	case "gif":
		return FormatGIF, nil
	case "webp":
		return FormatWebP, nil
	case "bmp":
		return FormatBMP, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownFormat, s)
}

// FormatFromPath derives the format from a file name's extension.
func FormatFromPath(name string) (Format, error) {
	ext := strings.TrimPrefix(path.Ext(name), ".")
	if ext == "" {
		return "", fmt.Errorf("%w: %q has no extension", ErrUnknownFormat, name)
	}
	return ParseFormat(ext)
}

// ContentType returns the MIME type served for the format.
func (f Format) ContentType() string {
	switch f {
	case FormatPNG:
		return "image/png"
	case FormatJPEG:
		return "image/jpeg"
	case FormatGIF:
		return "image/gif"
	case FormatWebP:
		return "image/webp"
	case FormatBMP:
		return "image/bmp"
	}
	return "application/octet-stream"
}

// Ext returns the canonical file extension for the format, without the dot.
func (f Format) Ext() string {
	if f == FormatJPEG {
		return "jpg"
	}
	return string(f)
}

// CanEncode reports whether the converter can produce this format as output.
// WebP is decode-only: there is no pure Go encoder for it.
func (f Format) CanEncode() bool {
	return f != FormatWebP
}
