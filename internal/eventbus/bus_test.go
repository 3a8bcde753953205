package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusPrefixFilter(t *testing.T) {
	b := New()
	logs, unsub := b.Subscribe("import/a/logs", 4)
	defer unsub()
	all, unsubAll := b.Subscribe("", 4)
	defer unsubAll()

	b.Publish(Event{Channel: "import/a", Data: "patch"})
	b.Publish(Event{Channel: "import/a/logs", Data: "entry"})

	select {
	case e := <-logs:
		assert.Equal(t, "import/a/logs", e.Channel)
		assert.False(t, e.Time.IsZero())
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
	assert.Len(t, all, 2)
	assert.Len(t, logs, 0)
}

func TestBusDropsWhenSubscriberIsSlow(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("", 1)
	b.Publish(Event{Channel: "x"})
	b.Publish(Event{Channel: "y"}) // dropped, must not block
	require.Len(t, ch, 1)

	unsub()
	unsub()
	b.Publish(Event{Channel: "z"}) // no subscribers left
	_, open := <-ch
	assert.True(t, open, "buffered event is still readable")
	_, open = <-ch
	assert.False(t, open)
}

type recorder struct{ got []Event }

func (r *recorder) Publish(e Event) { r.got = append(r.got, e) }

func TestFanout(t *testing.T) {
	a, b := &recorder{}, &recorder{}
	Fanout(a, nil, b).Publish(Event{Channel: "publication/p/deleted"})
	require.Len(t, a.got, 1)
	require.Len(t, b.got, 1)
	assert.Equal(t, a.got[0].Time, b.got[0].Time)
}

func TestMirror(t *testing.T) {
	local := New()
	remote := &recorder{}
	b := Mirror(local, remote)
	ch, unsub := b.Subscribe("import/", 1)
	defer unsub()

	b.Publish(Event{Channel: "import/i1"})
	assert.Len(t, remote.got, 1)
	select {
	case ev := <-ch:
		assert.Equal(t, "import/i1", ev.Channel)
	default:
		t.Fatal("local subscriber missed the event")
	}
}
