package quantize

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pngHeader is enough for content sniffing to report image/png.
var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

func TestSubmitParams_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		params  SubmitParams
		wantErr string
	}{
		{name: "defaults", params: DefaultSubmitParams()},
		{name: "lower bounds", params: SubmitParams{Width: 50, Height: 50, Quality: 1}},
		{name: "upper bounds", params: SubmitParams{Width: 1000, Height: 1000, Quality: 10}},
		{
			name:    "width too small",
			params:  SubmitParams{Width: 49, Height: 200, Quality: 5},
			wantErr: "width must be at least 50",
		},
		{
			name:    "height and quality too large",
			params:  SubmitParams{Width: 200, Height: 1001, Quality: 11},
			wantErr: "height must be at most 1000; quality must be at most 10",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.params.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, ErrInvalidParams)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestNewPayload(t *testing.T) {
	t.Parallel()

	t.Run("sniffs image content", func(t *testing.T) {
		t.Parallel()
		p, err := NewPayload("cat.png", pngHeader, "", 0)
		require.NoError(t, err)
		assert.Equal(t, "image/png", p.ContentType)
		assert.Equal(t, "cat.png", p.Filename)
	})

	t.Run("generic binary type is sniffed", func(t *testing.T) {
		t.Parallel()
		p, err := NewPayload("cat.png", pngHeader, "application/octet-stream", 0)
		require.NoError(t, err)
		assert.Equal(t, "image/png", p.ContentType)
	})

	t.Run("explicit image type is kept", func(t *testing.T) {
		t.Parallel()
		p, err := NewPayload("", []byte("raw"), "image/webp", 0)
		require.NoError(t, err)
		assert.Equal(t, "image/webp", p.ContentType)
		assert.Equal(t, "upload", p.Filename)
	})

	t.Run("rejects non images", func(t *testing.T) {
		t.Parallel()
		_, err := NewPayload("notes.txt", []byte("hello world"), "", 0)
		assert.ErrorIs(t, err, ErrSubmission)
		assert.Contains(t, err.Error(), "must be an image")
	})

	t.Run("rejects empty files", func(t *testing.T) {
		t.Parallel()
		_, err := NewPayload("a.png", nil, "image/png", 0)
		assert.ErrorIs(t, err, ErrSubmission)
	})

	t.Run("rejects oversized files", func(t *testing.T) {
		t.Parallel()
		data := append(append([]byte{}, pngHeader...), bytes.Repeat([]byte{0}, 64)...)
		_, err := NewPayload("big.png", data, "", 32)
		assert.ErrorIs(t, err, ErrSubmission)
		assert.Contains(t, err.Error(), "too large")
	})
}
