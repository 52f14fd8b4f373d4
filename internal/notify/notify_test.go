package notify

import (
	"bytes"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu  sync.Mutex
	got []string
}

func (r *recorder) Notify(title, body string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, title+"|"+body)
}

func (r *recorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.got...)
}

type closer struct {
	recorder
	err    error
	closed bool
}

func (c *closer) Close() error {
	c.closed = true
	return c.err
}

func TestMulti_DeliversToAllDespitePanic(t *testing.T) {
	a := &recorder{}
	b := &recorder{}
	m := Multi{a, Func(func(string, string) { panic("boom") }), b}

	m.Notify("You're back online!", "Syncing your offline changes...")

	assert.Equal(t, []string{"You're back online!|Syncing your offline changes..."}, a.all())
	assert.Equal(t, a.all(), b.all())
}

func TestMulti_CloseAggregatesErrors(t *testing.T) {
	ok := &closer{}
	bad := &closer{err: errors.New("disconnect failed")}
	m := Multi{ok, &recorder{}, bad}

	err := m.Close()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disconnect failed")
	assert.True(t, ok.closed)
	assert.True(t, bad.closed)

	assert.NoError(t, Multi{&recorder{}}.Close())
}

func TestDedup_SuppressesWithinWindow(t *testing.T) {
	rec := &recorder{}
	d := NewDedup(rec, time.Minute)
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }

	d.Notify("You're now offline", "Don't worry, your data will sync when you're back online")
	d.Notify("You're now offline", "Don't worry, your data will sync when you're back online")
	d.Notify("You're back online!", "Syncing your offline changes...")
	assert.Len(t, rec.all(), 2)

	now = now.Add(2 * time.Minute)
	d.Notify("You're now offline", "Don't worry, your data will sync when you're back online")
	assert.Len(t, rec.all(), 3)
}

func TestLogNotifier(t *testing.T) {
	var buf bytes.Buffer
	n := NewLogNotifier(slog.New(slog.NewTextHandler(&buf, nil)))

	n.Notify("Sync complete", "2 changes synchronized")

	assert.Contains(t, buf.String(), "title=\"Sync complete\"")
	assert.Contains(t, buf.String(), "body=\"2 changes synchronized\"")
}

func TestConstructorsValidate(t *testing.T) {
	_, err := NewShoutrrrNotifier(nil, nil)
	assert.Error(t, err)

	_, err = NewMQTTNotifier(MQTTConfig{Topic: "offline0/events"}, nil)
	assert.Error(t, err)
}
