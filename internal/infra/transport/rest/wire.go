package rest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"strings"
	"time"

	"golang.org/x/text/encoding/unicode"

	"github.com/starikovyaroslav/quantify/internal/domain/quantize"
)

type submitResponse struct {
	TaskID        string `json:"task_id"`
	Status        string `json:"status"`
	EstimatedTime int    `json:"estimated_time"`
}

type cancelAllResponse struct {
	CancelledCount int      `json:"cancelled_count"`
	CancelledTasks []string `json:"cancelled_tasks"`
}

// listItem covers both the history and the gallery shapes. created_at is
// either unix seconds as a string or a "YYYY-MM-DD HH:MM:SS" timestamp.
type listItem struct {
	TaskID    string  `json:"task_id"`
	Status    string  `json:"status"`
	Width     *int    `json:"width"`
	Height    *int    `json:"height"`
	Quality   *int    `json:"quality"`
	CreatedAt *string `json:"created_at"`
	Error     *string `json:"error"`
	Filename  string  `json:"filename"`
}

func (li listItem) toDomain() (quantize.ListItem, error) {
	item := quantize.ListItem{
		ID:       li.TaskID,
		Status:   quantize.ParseServerStatus(li.Status),
		Width:    li.Width,
		Height:   li.Height,
		Quality:  li.Quality,
		Filename: li.Filename,
	}
	if li.Error != nil {
		item.Error = *li.Error
	}
	if li.CreatedAt == nil {
		return item, nil
	}
	ts, err := quantize.ParseCreatedAt(*li.CreatedAt)
	item.CreatedAt = ts
	return item, err
}

// StatusReport is the service's point-in-time view of a single job.
type StatusReport struct {
	TaskID   string                `json:"task_id" yaml:"task_id"`
	Status   quantize.ServerStatus `json:"status" yaml:"status"`
	Progress int                   `json:"progress" yaml:"progress"`
	Message  string                `json:"message,omitempty" yaml:"message,omitempty"`
	Error    string                `json:"error,omitempty" yaml:"error,omitempty"`
	Width    *int                  `json:"width,omitempty" yaml:"width,omitempty"`
	Height   *int                  `json:"height,omitempty" yaml:"height,omitempty"`
	Quality  *int                  `json:"quality,omitempty" yaml:"quality,omitempty"`
}

type statusResponse struct {
	TaskID   string   `json:"task_id"`
	Status   string   `json:"status"`
	Progress *float64 `json:"progress"`
	Message  *string  `json:"message"`
	Error    *string  `json:"error"`
	Width    *int     `json:"width"`
	Height   *int     `json:"height"`
	Quality  *int     `json:"quality"`
}

func (s statusResponse) toReport() StatusReport {
	r := StatusReport{
		TaskID:  s.TaskID,
		Status:  quantize.ParseServerStatus(s.Status),
		Width:   s.Width,
		Height:  s.Height,
		Quality: s.Quality,
	}
	if s.Progress != nil {
		r.Progress = int(*s.Progress)
	}
	if s.Message != nil {
		r.Message = *s.Message
	}
	if s.Error != nil {
		r.Error = *s.Error
	}
	return r
}

// HealthReport is the body of the service health probe.
type HealthReport struct {
	Status  string `json:"status" yaml:"status"`
	Service string `json:"service,omitempty" yaml:"service,omitempty"`
}

func estimatedTime(seconds int) time.Duration {
	if seconds <= 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

const maxDetailLen = 512

// errorDetail extracts the explanation from an error body. The service
// answers {"detail": "..."} for handled errors and {"detail": [{"msg": ...}]}
// for request validation failures.
func errorDetail(body []byte) string {
	var env struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(body, &env); err == nil && len(env.Detail) > 0 {
		var s string
		if err := json.Unmarshal(env.Detail, &s); err == nil {
			return s
		}
		var items []struct {
			Msg string `json:"msg"`
		}
		if err := json.Unmarshal(env.Detail, &items); err == nil {
			msgs := make([]string, 0, len(items))
			for _, it := range items {
				if it.Msg != "" {
					msgs = append(msgs, it.Msg)
				}
			}
			if len(msgs) > 0 {
				return strings.Join(msgs, "; ")
			}
		}
	}

	text := strings.TrimSpace(string(body))
	if len(text) > maxDetailLen {
		text = text[:maxDetailLen]
	}
	return text
}

var (
	bomLE = []byte{0xFF, 0xFE}
	bomBE = []byte{0xFE, 0xFF}
)

// decodeText converts a result body to a Go string. Bodies declared as
// UTF-16, or starting with a UTF-16 byte order mark, are transcoded;
// everything else is taken as UTF-8.
func decodeText(body []byte, contentType string) (string, error) {
	charset := ""
	if contentType != "" {
		if _, params, err := mime.ParseMediaType(contentType); err == nil {
			charset = strings.ToLower(params["charset"])
		}
	}

	var endianness unicode.Endianness
	switch {
	case charset == "utf-16be":
		endianness = unicode.BigEndian
	case charset == "utf-16" || charset == "utf-16le":
		endianness = unicode.LittleEndian
	case bytes.HasPrefix(body, bomLE):
		endianness = unicode.LittleEndian
	case bytes.HasPrefix(body, bomBE):
		endianness = unicode.BigEndian
	default:
		return string(bytes.TrimPrefix(body, []byte("\xEF\xBB\xBF"))), nil
	}

	dec := unicode.UTF16(endianness, unicode.UseBOM).NewDecoder()
	out, err := dec.Bytes(body)
	if err != nil {
		return "", fmt.Errorf("decoding utf-16 body: %w", err)
	}
	return string(out), nil
}

func readAllLimited(r io.Reader, limit int64) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r, limit))
}
