package offline0

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"offline0/internal/store"
)

// testConfig has probing disabled so nothing touches the network.
func testConfig(t *testing.T, extra string) Config {
	t.Helper()
	cfg, err := ParseConfig(strings.NewReader(minimalConfig + `
probe:
  path: ""
` + extra))
	require.NoError(t, err)
	return cfg
}

func newTestService(t *testing.T, ft *fakeTransport, extra string) (*Service, *recorder) {
	t.Helper()
	notes := &recorder{}
	svc, err := NewService(testConfig(t, extra), discardLogger(),
		WithStore(newMemStore(t)),
		WithTransport(ft),
		WithNotifier(notes),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc, notes
}

func TestService_OfflineRoundTrip(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ft := &fakeTransport{}
	notes := &recorder{}
	svc, err := NewService(testConfig(t, ""), discardLogger(),
		WithStore(newMemStore(t)),
		WithTransport(ft),
		WithNotifier(notes),
	)
	require.NoError(t, err)

	ctx := t.Context()
	svc.Monitor().Set(false)

	resp, err := svc.Client().Do(ctx, &Request{Method: http.MethodPost, URL: "/orders", Body: []byte(`{"item":1}`)})
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, resp.Status)

	rep, err := svc.Status(ctx)
	require.NoError(t, err)
	assert.False(t, rep.Online)
	assert.Equal(t, 1, rep.QueueSize)

	svc.Monitor().Set(true)
	assert.Eventually(t, func() bool {
		n, err := svc.Queue().Size(context.Background())
		return err == nil && n == 0 && !svc.Syncer().Running()
	}, 2*time.Second, 5*time.Millisecond)

	var replayed bool
	for _, c := range ft.Calls() {
		if c.Method == http.MethodPost && c.URL == "/orders" {
			replayed = true
		}
	}
	assert.True(t, replayed)
	assert.Eventually(t, func() bool {
		titles := notes.Titles()
		return len(titles) == 3 && titles[2] == "Sync complete"
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"You're now offline", "You're back online!"}, notes.Titles()[:2])

	require.NoError(t, svc.Close())
	require.NoError(t, svc.Close(), "Close is idempotent")
}

func TestService_MaintenanceRemovesOldRecords(t *testing.T) {
	svc, _ := newTestService(t, &fakeTransport{}, "")
	ctx := t.Context()

	old := time.Now().Add(-DefaultRetention - time.Hour)
	require.NoError(t, svc.store.AppendRequest(ctx, &store.QueuedRequest{
		URL: "/old", Method: http.MethodPost, Status: store.StatusPending, EnqueuedAt: old, UpdatedAt: old,
	}))
	_, err := svc.queue.Enqueue(ctx, "/fresh", http.MethodPost, nil, nil)
	require.NoError(t, err)

	svc.maintain(ctx)
	items, err := svc.queue.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "/fresh", items[0].URL)
}

func TestService_ClosesStore(t *testing.T) {
	svc, err := NewService(testConfig(t, ""), discardLogger(),
		WithStore(newMemStore(t)), WithTransport(&fakeTransport{}))
	require.NoError(t, err)
	require.NoError(t, svc.Close())

	_, err = svc.store.Stats(context.Background())
	assert.Error(t, err, "store is closed")
}
