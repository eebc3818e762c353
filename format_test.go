package imagecache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFormat(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Format
		wantErr bool
	}{
		{name: "png", input: "png", want: FormatPNG},
		{name: "jpeg", input: "jpeg", want: FormatJPEG},
		{name: "jpg alias", input: "jpg", want: FormatJPEG},
		{name: "uppercase", input: "WEBP", want: FormatWebP},
		{name: "whitespace", input: " gif ", want: FormatGIF},
		{name: "bmp", input: "bmp", want: FormatBMP},
		{name: "empty", input: "", wantErr: true},
		{name: "unknown", input: "tiff", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseFormat(tt.input)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrUnknownFormat)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFormatFromPath(t *testing.T) {
	got, err := FormatFromPath("assets.v2/lvl1.WebP")
	require.NoError(t, err)
	assert.Equal(t, FormatWebP, got)

	_, err = FormatFromPath("noextension")
	require.ErrorIs(t, err, ErrUnknownFormat)
}

func TestFormatContentType(t *testing.T) {
	assert.Equal(t, "image/png", FormatPNG.ContentType())
	assert.Equal(t, "image/jpeg", FormatJPEG.ContentType())
	assert.Equal(t, "image/webp", FormatWebP.ContentType())
	assert.Equal(t, "application/octet-stream", Format("tiff").ContentType())
}

func TestFormatExt(t *testing.T) {
	assert.Equal(t, "jpg", FormatJPEG.Ext())
	assert.Equal(t, "png", FormatPNG.Ext())
}

func TestFormatCanEncode(t *testing.T) {
	assert.True(t, FormatPNG.CanEncode())
	assert.True(t, FormatJPEG.CanEncode())
	assert.False(t, FormatWebP.CanEncode())
}
