package tasklog

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"catalogworker/internal/domain"
	"catalogworker/internal/eventbus"
)

type memAppender struct {
	entries []domain.LogEntry
	err     error
}

func (m *memAppender) AppendLog(_ context.Context, _ domain.TaskType, _ string, e domain.LogEntry) error {
	if m.err != nil {
		return m.err
	}
	m.entries = append(m.entries, e)
	return nil
}

func TestLoggerPersistsAndBroadcasts(t *testing.T) {
	app := &memAppender{}
	bus := eventbus.New()
	ch, unsub := bus.Subscribe("import/i1/logs", 16)
	defer unsub()

	l := New(context.Background(), app, bus, domain.TaskImport, "i1")
	l.Step("download")
	l.Info("fetched", map[string]any{"bytes": 12})
	l.Task("attachments", "upload attachments", 3)
	l.Progress("attachments", 2)
	l.Progress("attachments", 4, 4)
	l.Warning("slow")
	l.Error("boom")

	require.Len(t, app.entries, 7)
	require.Len(t, ch, 7)

	assert.Equal(t, domain.LogStep, app.entries[0].Type)
	assert.Equal(t, map[string]any{"bytes": 12}, app.entries[1].Extra)

	declared := app.entries[2]
	assert.Equal(t, "attachments", declared.Key)
	assert.EqualValues(t, 0, *declared.Progress)
	assert.EqualValues(t, 3, *declared.Total)

	progress := app.entries[3]
	assert.EqualValues(t, 2, *progress.Progress)
	assert.Nil(t, progress.Total)
	assert.NotNil(t, progress.ProgressDate)
	assert.EqualValues(t, 4, *app.entries[4].Total)

	e := <-ch
	assert.Equal(t, "import/i1/logs", e.Channel)
	assert.Equal(t, app.entries[0], e.Data)
}

func TestLoggerBroadcastsWhenPersistenceFails(t *testing.T) {
	app := &memAppender{err: errors.New("disk full")}
	bus := eventbus.New()
	ch, unsub := bus.Subscribe("", 4)
	defer unsub()

	New(context.Background(), app, bus, domain.TaskPublication, "p1").Info("still sent")
	assert.Len(t, ch, 1)
}
