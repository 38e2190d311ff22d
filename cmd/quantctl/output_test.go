package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/starikovyaroslav/quantify/internal/domain/quantize"
)

func intPtr(v int) *int { return &v }

func testSnapshot() quantize.ListSnapshot {
	created := time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC)
	return quantize.ListSnapshot{
		Kind: quantize.ListHistory,
		Items: []quantize.ListItem{
			{ID: "a", Status: quantize.ServerStatusCompleted, Width: intPtr(200), Height: intPtr(100), Quality: intPtr(5), CreatedAt: created, Filename: "a.txt"},
			{ID: "b", Status: quantize.ServerStatusError, Error: "boom"},
		},
		RefreshedAt: created,
	}
}

func TestPrinter_Table(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	p, err := newPrinter(&buf, formatTable)
	require.NoError(t, err)
	require.NoError(t, p.snapshot(testSnapshot()))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "ID"))
	assert.Contains(t, lines[1], "200x100")
	assert.Contains(t, lines[1], "2024-05-01 12:30:00")
	assert.Contains(t, lines[1], "a.txt")
	assert.Contains(t, lines[2], "boom")
	assert.Contains(t, lines[2], "-")
}

func TestPrinter_EmptyTable(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	p, err := newPrinter(&buf, formatTable)
	require.NoError(t, err)
	require.NoError(t, p.snapshot(quantize.ListSnapshot{Kind: quantize.ListActive}))
	assert.Equal(t, "no active jobs\n", buf.String())
}

func TestPrinter_YAML(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	p, err := newPrinter(&buf, formatYAML)
	require.NoError(t, err)
	require.NoError(t, p.snapshot(testSnapshot()))

	var got quantize.ListSnapshot
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, quantize.ListHistory, got.Kind)
	require.Len(t, got.Items, 2)
	assert.Equal(t, "a", got.Items[0].ID)
	assert.Equal(t, 200, *got.Items[0].Width)
}

func TestPrinter_TaskHidesArtifactInYAML(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	p, err := newPrinter(&buf, formatYAML)
	require.NoError(t, err)
	require.NoError(t, p.task(quantize.TaskView{ID: "x", Status: quantize.TaskStatusCompleted, Artifact: "secret body", HasArtifact: true}))

	assert.Contains(t, buf.String(), "has_artifact: true")
	assert.NotContains(t, buf.String(), "secret body")
}

func TestNewPrinter_RejectsUnknownFormat(t *testing.T) {
	t.Parallel()

	_, err := newPrinter(&bytes.Buffer{}, "xml")
	assert.Error(t, err)
}
