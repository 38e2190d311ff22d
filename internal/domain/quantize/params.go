package quantize

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// Bounds enforced by the service; checked locally so a bad request never
// leaves the machine.
const (
	MinDimension = 50
	MaxDimension = 1000
	MinQuality   = 1
	MaxQuality   = 10

	DefaultDimension = 200
	DefaultQuality   = 5

	// DefaultMaxFileSize matches the service's upload ceiling.
	DefaultMaxFileSize int64 = 10 << 20
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func paramsValidator() *validator.Validate {
	validateOnce.Do(func() { validate = validator.New(validator.WithRequiredStructEnabled()) })
	return validate
}

// SubmitParams are the quantization settings sent with a job.
type SubmitParams struct {
	Width   int `json:"width" yaml:"width" validate:"min=50,max=1000"`
	Height  int `json:"height" yaml:"height" validate:"min=50,max=1000"`
	Quality int `json:"quality" yaml:"quality" validate:"min=1,max=10"`
}

// DefaultSubmitParams returns the settings the service's own form starts with.
func DefaultSubmitParams() SubmitParams {
	return SubmitParams{Width: DefaultDimension, Height: DefaultDimension, Quality: DefaultQuality}
}

// Validate checks the parameters against the service bounds.
func (p SubmitParams) Validate() error {
	if err := paramsValidator().Struct(p); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidParams, describeValidation(err))
	}
	return nil
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s must be %s %s", strings.ToLower(fe.Field()), boundWord(fe.Tag()), fe.Param()))
	}
	return strings.Join(parts, "; ")
}

func boundWord(tag string) string {
	switch tag {
	case "min":
		return "at least"
	case "max":
		return "at most"
	default:
		return tag
	}
}

// Payload is the image uploaded with a job.
type Payload struct {
	Filename    string
	ContentType string
	Data        []byte
}

// NewPayload builds a Payload, sniffing the content type when none or only
// the generic application/octet-stream is given, and rejects anything that is not an image or exceeds maxSize bytes.
// A maxSize of zero selects DefaultMaxFileSize.
func NewPayload(filename string, data []byte, contentType string, maxSize int64) (Payload, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxFileSize
	}
	if len(data) == 0 {
		return Payload{}, &SubmissionError{Reason: "file is empty"}
	}
	if int64(len(data)) > maxSize {
		return Payload{}, &SubmissionError{
			Reason: fmt.Sprintf("file too large: %d bytes exceeds %d", len(data), maxSize),
		}
	}
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = http.DetectContentType(data)
	}
	if !strings.HasPrefix(contentType, "image/") {
		return Payload{}, &SubmissionError{Reason: fmt.Sprintf("file must be an image, got %s", contentType)}
	}
	if filename == "" {
		filename = "upload"
	}
	return Payload{Filename: filename, ContentType: contentType, Data: data}, nil
}
