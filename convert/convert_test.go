package convert

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	imagecache "github.com/wolfeidau/image-cache"
)

// makePNG encodes a small gradient image for use as conversion input.
func makePNG(t *testing.T, w, h int) []byte {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 40), G: uint8(y * 40), B: 128, A: 255})
		}
	}

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestImageConvertsBetweenFormats(t *testing.T) {
	src := makePNG(t, 6, 4)

	tests := []struct {
		name   string
		target imagecache.Format
	}{
		{name: "png to jpeg", target: imagecache.FormatJPEG},
		{name: "png to gif", target: imagecache.FormatGIF},
		{name: "png to bmp", target: imagecache.FormatBMP},
		{name: "png to png", target: imagecache.FormatPNG},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := Image(src, tt.target, 0)
			require.NoError(t, err)
			require.NotEmpty(t, out)

			cfg, name, err := image.DecodeConfig(bytes.NewReader(out))
			require.NoError(t, err)
			assert.Equal(t, string(tt.target), name)
			assert.Equal(t, 6, cfg.Width)
			assert.Equal(t, 4, cfg.Height)
		})
	}
}

func TestImageQuality(t *testing.T) {
	src := makePNG(t, 64, 64)

	low, err := Image(src, imagecache.FormatJPEG, 5)
	require.NoError(t, err)
	high, err := Image(src, imagecache.FormatJPEG, 95)
	require.NoError(t, err)

	assert.Less(t, len(low), len(high))
}

func TestImageRejectsWebPTarget(t *testing.T) {
	src := makePNG(t, 2, 2)

	_, err := Image(src, imagecache.FormatWebP, 0)
	require.ErrorIs(t, err, ErrUnsupportedTarget)
}

func TestImageRejectsGarbage(t *testing.T) {
	_, err := Image([]byte("this is not an image"), imagecache.FormatPNG, 0)
	require.Error(t, err)
}

func TestProbe(t *testing.T) {
	src := makePNG(t, 6, 4)

	f, w, h, err := Probe(src)
	require.NoError(t, err)
	assert.Equal(t, imagecache.FormatPNG, f)
	assert.Equal(t, 6, w)
	assert.Equal(t, 4, h)
}

func TestProbeGarbage(t *testing.T) {
	_, _, _, err := Probe([]byte{0x00, 0x01, 0x02})
	require.Error(t, err)
}

func TestClampQuality(t *testing.T) {
	assert.Equal(t, DefaultQuality, clampQuality(0))
	assert.Equal(t, DefaultQuality, clampQuality(-3))
	assert.Equal(t, 100, clampQuality(150))
	assert.Equal(t, 55, clampQuality(55))
}
