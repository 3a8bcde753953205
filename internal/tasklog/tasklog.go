// Package tasklog records the progress of a running task.
//
// Every call appends one entry to the task's persisted log and broadcasts
// the same entry on "{type}/{id}/logs". The two are independent: a failed
// append is reported through the process logger and the broadcast still
// happens, a dropped broadcast never loses the persisted entry.
package tasklog

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"catalogworker/internal/domain"
	"catalogworker/internal/eventbus"
)

type Appender interface {
	AppendLog(ctx context.Context, t domain.TaskType, id string, e domain.LogEntry) error
}

type Logger struct {
	ctx     context.Context
	store   Appender
	pub     eventbus.Publisher
	typ     domain.TaskType
	id      string
	channel string
	now     func() time.Time
}

func New(ctx context.Context, store Appender, pub eventbus.Publisher, t domain.TaskType, id string) *Logger {
	return &Logger{
		ctx:     ctx,
		store:   store,
		pub:     pub,
		typ:     t,
		id:      id,
		channel: domain.Channel(t, id) + "/logs",
		now:     time.Now,
	}
}

// Info, Warning and Error take an optional extra value stored with the entry.
func (l *Logger) Info(msg string, extra ...any)    { l.write(domain.LogInfo, msg, extra) }
func (l *Logger) Warning(msg string, extra ...any) { l.write(domain.LogWarning, msg, extra) }
func (l *Logger) Error(msg string, extra ...any)   { l.write(domain.LogError, msg, extra) }

// Step marks the start of a named phase.
func (l *Logger) Step(msg string) {
	l.emit(domain.LogEntry{Type: domain.LogStep, Msg: msg})
}

// Task declares a progress counter identified by key.
func (l *Logger) Task(key, msg string, total int64) {
	zero := int64(0)
	l.emit(domain.LogEntry{Type: domain.LogTask, Key: key, Msg: msg, Progress: &zero, Total: &total})
}

// Progress updates the counter declared with Task. total, when given,
// replaces the declared total.
func (l *Logger) Progress(key string, value int64, total ...int64) {
	now := l.now()
	e := domain.LogEntry{Type: domain.LogTask, Key: key, Progress: &value, ProgressDate: &now}
	if len(total) > 0 {
		t := total[0]
		e.Total = &t
	}
	l.emit(e)
}

func (l *Logger) write(t domain.LogType, msg string, extra []any) {
	e := domain.LogEntry{Type: t, Msg: msg}
	switch len(extra) {
	case 0:
	case 1:
		e.Extra = extra[0]
	default:
		e.Extra = extra
	}
	l.emit(e)
}

func (l *Logger) emit(e domain.LogEntry) {
	e.Date = l.now()
	if err := l.store.AppendLog(l.ctx, l.typ, l.id, e); err != nil {
		log.Warn().Err(err).Str("task_type", string(l.typ)).Str("task_id", l.id).Msg("append task log")
	}
	if l.pub != nil {
		l.pub.Publish(eventbus.Event{Channel: l.channel, Time: e.Date, Data: e})
	}
}
