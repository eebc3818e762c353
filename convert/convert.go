// Package convert re-encodes image buffers between formats. It is a pure
// byte-in byte-out layer: no I/O, no caching, no retained state.
package convert

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"

	"golang.org/x/image/bmp"
	_ "golang.org/x/image/webp" // decode only, no pure Go encoder exists

	imagecache "github.com/wolfeidau/image-cache"
)

// DefaultQuality is the JPEG quality used when the caller does not specify
// one.
const DefaultQuality = 80

// ErrUnsupportedTarget is returned when the requested output format has no
// encoder. WebP can be decoded but not produced.
var ErrUnsupportedTarget = errors.New("no encoder for target format")

// Image decodes data and re-encodes it in the target format. The source
// format is sniffed from the bytes; png, jpeg, gif, webp and bmp inputs are
// accepted. quality applies to JPEG output only and is clamped to [1, 100];
// zero selects DefaultQuality.
func Image(data []byte, target imagecache.Format, quality int) ([]byte, error) {
	if !target.CanEncode() {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedTarget, target)
	}

	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decoding image: %w", err)
	}

	var buf bytes.Buffer
	switch target {
	case imagecache.FormatPNG:
		err = png.Encode(&buf, src)
	case imagecache.FormatJPEG:
		err = jpeg.Encode(&buf, src, &jpeg.Options{Quality: clampQuality(quality)})
	case imagecache.FormatGIF:
		err = gif.Encode(&buf, src, nil)
	case imagecache.FormatBMP:
		err = bmp.Encode(&buf, src)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedTarget, target)
	}
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", target, err)
	}
	return buf.Bytes(), nil
}

// Probe decodes just enough of the header to report the image's format and
// dimensions.
func Probe(data []byte) (imagecache.Format, int, int, error) {
	cfg, name, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return "", 0, 0, fmt.Errorf("decoding image header: %w", err)
	}
	f, err := imagecache.ParseFormat(name)
	if err != nil {
		return "", 0, 0, err
	}
	return f, cfg.Width, cfg.Height, nil
}

func clampQuality(q int) int {
	switch {
	case q <= 0:
		return DefaultQuality
	case q > 100:
		return 100
	default:
		return q
	}
}
