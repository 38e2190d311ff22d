package notify

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starikovyaroslav/quantify/internal/domain/quantize"
	"github.com/starikovyaroslav/quantify/internal/infra/eventbus/memory"
	"github.com/starikovyaroslav/quantify/pkg/common/logger"
)

func TestNotifier_LogsAndPublishes(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := logger.New(&buf, logger.LevelInfo, "test", nil)

	broker := memory.NewBroker()
	var got []quantize.Notification
	require.NoError(t, broker.SubscribeNotifications(context.Background(), func(_ context.Context, n quantize.Notification) error {
		got = append(got, n)
		return nil
	}))

	n := New(broker, log)
	note := quantize.Notification{
		Level:   quantize.NotifyError,
		TaskID:  "42",
		Title:   "Task failed",
		Message: "Processing timeout",
	}

	// A cancelled request context must not stop delivery.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	n.Notify(ctx, note)

	require.Len(t, got, 1)
	assert.Equal(t, note, got[0])
	assert.Contains(t, buf.String(), `"task_id":"42"`)
	assert.Contains(t, buf.String(), `"level":"WARN"`)
}

func TestNotifier_WithoutPublisher(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	n := New(nil, logger.New(&buf, logger.LevelInfo, "test", nil))

	n.Notify(context.Background(), quantize.Notification{Level: quantize.NotifySuccess, Title: "Done"})
	assert.Contains(t, buf.String(), `"title":"Done"`)
}
