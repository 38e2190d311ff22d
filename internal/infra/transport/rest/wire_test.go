package rest

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starikovyaroslav/quantify/internal/testutil/stubservice"
)

func TestErrorDetail(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
		want string
	}{
		{name: "string detail", body: `{"detail":"Task not found"}`, want: "Task not found"},
		{
			name: "validation detail",
			body: `{"detail":[{"loc":["body","width"],"msg":"field required"},{"msg":"value is not a valid integer"}]}`,
			want: "field required; value is not a valid integer",
		},
		{name: "plain text", body: "Internal Server Error\n", want: "Internal Server Error"},
		{name: "empty", body: "", want: ""},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, errorDetail([]byte(tt.body)), tt.name)
	}

	long := strings.Repeat("x", maxDetailLen*2)
	assert.Len(t, errorDetail([]byte(long)), maxDetailLen)
}

func TestDecodeText(t *testing.T) {
	t.Parallel()

	const text = "█▓ quantized ░"

	tests := []struct {
		name        string
		body        []byte
		contentType string
	}{
		{name: "declared utf-16 with bom", body: stubservice.EncodeUTF16LE(text), contentType: "text/plain; charset=utf-16"},
		{name: "undeclared utf-16 bom", body: stubservice.EncodeUTF16LE(text), contentType: "application/octet-stream"},
		{name: "declared utf-16le without bom", body: stubservice.EncodeUTF16LE(text)[2:], contentType: "text/plain; charset=UTF-16LE"},
		{name: "utf-8", body: []byte(text), contentType: "text/plain; charset=utf-8"},
		{name: "utf-8 with bom", body: append([]byte("\xEF\xBB\xBF"), text...), contentType: ""},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := decodeText(tt.body, tt.contentType)
			require.NoError(t, err)
			assert.Equal(t, text, got)
		})
	}
}

func TestRetryAfter(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 30_000_000_000, int(retryAfter("30")))
	assert.Equal(t, 60_000_000_000, int(retryAfter("")))
	assert.Equal(t, 60_000_000_000, int(retryAfter("soon")))
}
