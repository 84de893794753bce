package whoop

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsetrack/backend/internal/config"
	"github.com/pulsetrack/backend/internal/db/dbtest"
	"github.com/pulsetrack/backend/internal/errors"
	"github.com/pulsetrack/backend/internal/models"
	"github.com/pulsetrack/backend/internal/syncer"
)

type fakeTokens struct {
	mu        sync.Mutex
	token     string
	next      string
	refreshes int32
}

func (f *fakeTokens) GetValidAccessToken(ctx context.Context, provider string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.token, nil
}

func (f *fakeTokens) ForceRefresh(ctx context.Context, provider string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	atomic.AddInt32(&f.refreshes, 1)
	if f.next != "" {
		f.token = f.next
	}
	return f.token, nil
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestClient(tokens TokenSource, baseURL string) *Client {
	client := NewClient(tokens, testLogger())
	client.BaseURLV1 = baseURL
	client.BaseURLV2 = baseURL
	return client
}

func collectPages(t *testing.T, src syncer.Source, since time.Time) []models.ExternalRecord {
	t.Helper()
	var all []models.ExternalRecord
	err := src.FetchPages(context.Background(), since, func(records []models.ExternalRecord, total int) error {
		all = append(all, records...)
		return nil
	})
	require.NoError(t, err)
	return all
}

func TestRecoveryPagination(t *testing.T) {
	created := time.Date(2026, 8, 30, 6, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/recovery", r.URL.Path)
		assert.Equal(t, "25", r.URL.Query().Get("limit"))
		assert.Equal(t, "Bearer good-token", r.Header.Get("Authorization"))

		if r.URL.Query().Get("nextToken") == "" {
			fmt.Fprintf(w, `{"records":[{"cycle_id":101,"created_at":%q,"score":{"recovery_score":67,"resting_heart_rate":52,"hrv_rmssd_milli":48.5,"spo2_percentage":96.1,"skin_temp_celsius":33.2}}],"next_token":"page-2"}`, created.Format(time.RFC3339))
			return
		}
		assert.Equal(t, "page-2", r.URL.Query().Get("nextToken"))
		fmt.Fprintf(w, `{"records":[{"cycle_id":102,"created_at":%q,"score":{"recovery_score":80,"resting_heart_rate":50,"hrv_rmssd_milli":55,"spo2_percentage":97,"skin_temp_celsius":33.0}}],"next_token":""}`, created.Add(time.Hour).Format(time.RFC3339))
	}))
	defer srv.Close()

	client := newTestClient(&fakeTokens{token: "good-token"}, srv.URL)
	src := NewRecoverySource(client, testLogger())
	assert.Equal(t, "whoop", src.Provider())
	assert.Equal(t, "recovery", src.EntityType())

	records := collectPages(t, src, time.Now().UTC().Add(-72*time.Hour))
	require.Len(t, records, 2)
	assert.Equal(t, "101", records[0].ExternalID)
	assert.Equal(t, "102", records[1].ExternalID)

	var recovery models.Recovery
	require.NoError(t, json.Unmarshal(records[0].Payload, &recovery))
	assert.Equal(t, "101", recovery.CycleID)
	assert.InDelta(t, 67.0, recovery.RecoveryScore, 0.01)
	assert.InDelta(t, 48.5, recovery.HRVRMSSD, 0.01)
}

func TestFetchWalksSevenDayWindows(t *testing.T) {
	type window struct{ start, end time.Time }
	var mu sync.Mutex
	var windows []window

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start, err := time.Parse(timestampFormat, r.URL.Query().Get("start"))
		require.NoError(t, err)
		end, err := time.Parse(timestampFormat, r.URL.Query().Get("end"))
		require.NoError(t, err)
		mu.Lock()
		windows = append(windows, window{start, end})
		mu.Unlock()
		fmt.Fprint(w, `{"records":[],"next_token":""}`)
	}))
	defer srv.Close()

	client := newTestClient(&fakeTokens{token: "good-token"}, srv.URL)
	src := NewSleepSource(client, testLogger())

	since := time.Now().UTC().Add(-20 * 24 * time.Hour)
	records := collectPages(t, src, since)
	assert.Empty(t, records)

	// 20 days of history at 7 days a window is three requests, oldest first.
	require.Len(t, windows, 3)
	assert.WithinDuration(t, since, windows[0].start, 2*time.Second)
	for i, win := range windows {
		span := win.end.Sub(win.start)
		assert.LessOrEqual(t, span, 7*24*time.Hour, "window %d too wide", i)
		assert.False(t, win.start.After(win.end))
		if i > 0 {
			assert.True(t, win.start.Equal(windows[i-1].end), "window %d not contiguous", i)
		}
	}
}

func TestMidPassFailureKeepsCursorBehindMissingData(t *testing.T) {
	now := time.Now().UTC()
	oldRecord := now.Add(-10 * 24 * time.Hour).Truncate(time.Second)
	newRecord := now.Add(-24 * time.Hour).Truncate(time.Second)

	var failNewest atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start, err := time.Parse(timestampFormat, r.URL.Query().Get("start"))
		require.NoError(t, err)
		end, err := time.Parse(timestampFormat, r.URL.Query().Get("end"))
		require.NoError(t, err)

		switch {
		case !start.After(newRecord) && !end.Before(newRecord):
			if failNewest.Load() {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			fmt.Fprintf(w, `{"records":[{"cycle_id":202,"created_at":%q,"score":{"recovery_score":81,"resting_heart_rate":49,"hrv_rmssd_milli":60,"spo2_percentage":97,"skin_temp_celsius":33.1}}],"next_token":""}`, newRecord.Format(time.RFC3339))
		case !start.After(oldRecord) && !end.Before(oldRecord):
			fmt.Fprintf(w, `{"records":[{"cycle_id":201,"created_at":%q,"score":{"recovery_score":55,"resting_heart_rate":54,"hrv_rmssd_milli":42,"spo2_percentage":95.5,"skin_temp_celsius":33.4}}],"next_token":""}`, oldRecord.Format(time.RFC3339))
		default:
			fmt.Fprint(w, `{"records":[],"next_token":""}`)
		}
	}))
	defer srv.Close()

	client := newTestClient(&fakeTokens{token: "good-token"}, srv.URL)
	store := dbtest.NewMemStore()
	runner := syncer.NewRunner(store, testLogger(), config.SyncConfig{
		MaxLookback:       365 * 24 * time.Hour,
		IncrementalWindow: 30 * 24 * time.Hour,
		AdHocWindow:       90 * 24 * time.Hour,
		RunDeadline:       5 * time.Second,
		MaxRetries:        0,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        time.Millisecond,
	})
	runner.Register("whoop/recovery", NewRecoverySource(client, testLogger()))
	ctx := context.Background()

	// The newest window dies after the older one committed. The cursor must
	// stay on the stored record, never past the window that was lost.
	failNewest.Store(true)
	_, err := runner.Run(ctx, "whoop/recovery", models.SyncIncremental, nil)
	require.Error(t, err)

	count, err := store.CountRecords(ctx, "whoop", "recovery")
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)
	cursor, err := store.GetSyncCursor(ctx, "whoop", "recovery")
	require.NoError(t, err)
	require.NotNil(t, cursor)
	assert.True(t, cursor.LastSyncedAt.Equal(oldRecord))

	// A healthy retry resumes from the cursor and picks up the lost window.
	failNewest.Store(false)
	_, err = runner.Run(ctx, "whoop/recovery", models.SyncIncremental, nil)
	require.NoError(t, err)

	count, err = store.CountRecords(ctx, "whoop", "recovery")
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)
	cursor, err = store.GetSyncCursor(ctx, "whoop", "recovery")
	require.NoError(t, err)
	require.NotNil(t, cursor)
	assert.True(t, cursor.LastSyncedAt.Equal(newRecord))
}

func TestUnauthorizedForcesOneRefresh(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer rotated-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, `{"records":[],"next_token":""}`)
	}))
	defer srv.Close()

	tokens := &fakeTokens{token: "stale-token", next: "rotated-token"}
	client := newTestClient(tokens, srv.URL)
	src := NewWorkoutSource(client, testLogger())

	records := collectPages(t, src, time.Now().UTC().Add(-24*time.Hour))
	assert.Empty(t, records)
	assert.Equal(t, int32(1), atomic.LoadInt32(&tokens.refreshes))
}

func TestSecondUnauthorizedIsCredentialExpired(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	tokens := &fakeTokens{token: "dead-token"}
	client := newTestClient(tokens, srv.URL)
	src := NewCycleSource(client, testLogger())

	err := src.FetchPages(context.Background(), time.Now().UTC().Add(-24*time.Hour), func([]models.ExternalRecord, int) error {
		return nil
	})
	assert.True(t, errors.IsCredentialExpired(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(&tokens.refreshes))
}

func TestRateLimitSurfacesRetryAfter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := newTestClient(&fakeTokens{token: "good-token"}, srv.URL)
	src := NewRecoverySource(client, testLogger())

	err := src.FetchPages(context.Background(), time.Now().UTC().Add(-24*time.Hour), func([]models.ExternalRecord, int) error {
		return nil
	})
	rl, ok := errors.AsRateLimited(err)
	require.True(t, ok)
	assert.Equal(t, "whoop", rl.Provider)
	assert.Equal(t, 7*time.Second, rl.RetryAfter)
}

func TestUnscoredRecordsAreSkipped(t *testing.T) {
	start := time.Date(2026, 8, 30, 22, 0, 0, 0, time.UTC)
	end := start.Add(8 * time.Hour)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"records":[
			{"id":"sleep-1","start":%q,"end":%q,"score":{"stage_summary":{"total_awake_time_milli":1800000,"total_light_sleep_time_milli":10800000,"total_slow_wave_sleep_time_milli":5400000,"total_rem_sleep_time_milli":7200000},"respiratory_rate":14.5,"sleep_performance_percentage":88,"sleep_consistency_percentage":74,"sleep_efficiency_percentage":92}},
			{"id":"sleep-2","start":%q,"end":%q}
		],"next_token":""}`, start.Format(time.RFC3339), end.Format(time.RFC3339), start.Format(time.RFC3339), end.Format(time.RFC3339))
	}))
	defer srv.Close()

	client := newTestClient(&fakeTokens{token: "good-token"}, srv.URL)
	src := NewSleepSource(client, testLogger())

	records := collectPages(t, src, time.Now().UTC().Add(-24*time.Hour))
	require.Len(t, records, 1)
	assert.Equal(t, "sleep-1", records[0].ExternalID)

	var sleep models.Sleep
	require.NoError(t, json.Unmarshal(records[0].Payload, &sleep))
	assert.InDelta(t, 6.5, sleep.TotalSleepHours, 0.01)
	assert.InDelta(t, 120.0, sleep.REMSleepMin, 0.01)
	assert.InDelta(t, 90.0, sleep.DeepSleepMin, 0.01)
	assert.InDelta(t, 180.0, sleep.LightSleepMin, 0.01)
	assert.InDelta(t, 30.0, sleep.AwakeMin, 0.01)
	assert.InDelta(t, 88.0, sleep.SleepPerformance, 0.01)
}
