package quantize

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starikovyaroslav/quantify/internal/domain/quantize"
)

func newRegisteredTask(t *testing.T, r *registry, id string) {
	t.Helper()
	task, _ := quantize.Reduce(quantize.NewTask(testParams()), quantize.SubmittedEvent{TaskID: id}, r.now())
	require.NoError(t, r.add(task, nil))
}

func TestRegistry_AddRunsRegisteredOnce(t *testing.T) {
	t.Parallel()

	r := newRegistry(time.Now)
	task, _ := quantize.Reduce(quantize.NewTask(testParams()), quantize.SubmittedEvent{TaskID: "a"}, r.now())

	calls := 0
	require.NoError(t, r.add(task, func() { calls++ }))
	require.Error(t, r.add(task, func() { calls++ }), "duplicate id")
	assert.Equal(t, 1, calls)
}

func TestRegistry_PublishLatestSkipsSeenVersions(t *testing.T) {
	t.Parallel()

	r := newRegistry(time.Now)
	newRegisteredTask(t, r, "a")

	var seen []quantize.TaskStatus
	record := func(task quantize.Task) { seen = append(seen, task.Status()) }

	r.publishLatest("a", record)
	r.publishLatest("a", record)

	_, err := r.apply("a", quantize.CancelConfirmedEvent{})
	require.NoError(t, err)
	// Ignored events do not produce a new version.
	_, err = r.apply("a", quantize.CancelConfirmedEvent{})
	require.NoError(t, err)

	r.publishLatest("a", record)
	r.publishLatest("a", record)
	r.publishLatest("missing", record)

	assert.Equal(t, []quantize.TaskStatus{quantize.TaskStatusPending, quantize.TaskStatusCancelled}, seen)
}
