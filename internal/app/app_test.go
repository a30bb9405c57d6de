package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/microlearn/internal/config"
	"github.com/example/microlearn/internal/progresssync"
	"github.com/example/microlearn/pkg/models"
)

func testConfig(t *testing.T, storageType string) *config.ClientConfig {
	return &config.ClientConfig{
		APIURL:       "http://127.0.0.1:1",
		StorageType:  storageType,
		StatePath:    t.TempDir(),
		Locale:       "en",
		SyncDebounce: 20 * time.Millisecond,
		SyncInterval: time.Hour,
		MaxTimeDelta: time.Minute,
	}
}

func TestStorageTypes(t *testing.T) {
	for _, typ := range []string{"file", "sqlite", "memory"} {
		t.Run(typ, func(t *testing.T) {
			a, err := New(testConfig(t, typ), nil)
			require.NoError(t, err)
			defer a.Close()

			a.MarkSeen(3)
			_, ok := a.Store.Get(3)
			assert.True(t, ok)
			assert.Equal(t, "en", *a.Store.State().Locale)
		})
	}

	_, err := New(testConfig(t, "cloud"), nil)
	assert.Error(t, err)
}

func TestStatePersistsAcrossRuns(t *testing.T) {
	cfg := testConfig(t, "sqlite")
	cfg.StatePath = filepath.Join(t.TempDir(), "state.db")

	a, err := New(cfg, nil)
	require.NoError(t, err)
	a.SetCompletion(8, true)
	device := a.Store.DeviceID()
	require.NoError(t, a.Close())

	b, err := New(cfg, nil)
	require.NoError(t, err)
	defer b.Close()
	got, ok := b.Store.Get(8)
	require.True(t, ok)
	assert.True(t, got.Completed)
	assert.Equal(t, device, b.Store.DeviceID())
	assert.Equal(t, 1, b.Store.PendingCount())
}

func TestAddTimeUsesConfiguredBound(t *testing.T) {
	a, err := New(testConfig(t, "memory"), nil)
	require.NoError(t, err)
	defer a.Close()

	got := a.AddTime(1, int64(2*time.Hour/time.Millisecond))
	assert.Equal(t, int64(60_000), got.TimeMs)
}

func TestWithoutTokenSyncStaysOff(t *testing.T) {
	a, err := New(testConfig(t, "memory"), nil)
	require.NoError(t, err)
	defer a.Close()

	require.NoError(t, a.Start())
	assert.False(t, a.SyncEnabled())
	assert.Equal(t, progresssync.StateDisabled, a.Engine.State())
	assert.Zero(t, a.Scheduler.Len())
}

func TestStartSyncsInBackground(t *testing.T) {
	var imports, pulls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/v1/learning/progress/import/":
			imports.Add(1)
			w.Write([]byte(`{"imported":1,"updated":1}`))
		case "/api/v1/learning/progress/":
			pulls.Add(1)
			w.Write([]byte(`[]`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	cfg := testConfig(t, "memory")
	cfg.APIURL = srv.URL
	cfg.Token = "token"
	a, err := New(cfg, nil)
	require.NoError(t, err)
	defer a.Close()

	a.MarkSeen(5)
	require.NoError(t, a.Start())
	assert.Equal(t, 1, a.Scheduler.Len())

	assert.Eventually(t, func() bool { return pulls.Load() >= 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, a.Store.PendingCount())
	assert.Equal(t, int32(1), imports.Load())
}

func TestConnectivitySchedulesSync(t *testing.T) {
	cfg := testConfig(t, "memory")
	cfg.Token = "token"
	cfg.SyncDebounce = time.Hour
	a, err := New(cfg, nil)
	require.NoError(t, err)
	defer a.Close()

	a.SetOnline(false)
	a.Engine.SetEnabled(true)
	assert.Equal(t, progresssync.StateIdle, a.Engine.State(), "offline enable does not schedule")

	a.SetOnline(true)
	assert.Equal(t, progresssync.StateScheduled, a.Engine.State())

	a.Engine.SetEnabled(false)
	a.Engine.SetEnabled(true)
	a.Foreground()
	assert.Equal(t, progresssync.StateScheduled, a.Engine.State())
}

func TestReviewSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"card":{"id":4,"slug":"x","title":"X"},"srs":{"level":1,"due_at":"2024-01-01T00:00:00Z","reviews_count":0,"last_rating":""}}`))
	}))
	defer srv.Close()

	cfg := testConfig(t, "memory")
	cfg.APIURL = srv.URL
	a, err := New(cfg, nil)
	require.NoError(t, err)
	defer a.Close()

	s := a.ReviewSession(models.NextQuery{OnlyDue: true})
	require.NoError(t, s.Start(context.Background()))
	card, _ := s.Current()
	require.NotNil(t, card)
	assert.Equal(t, int64(4), card.ID)
}
