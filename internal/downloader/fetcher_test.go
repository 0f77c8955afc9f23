package downloader

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"hls-grabber/internal/control"
	"hls-grabber/internal/model"
)

func newTestFetcher(attempts int, delay time.Duration) *Fetcher {
	return NewFetcher(NewClient(nil), Config{
		MaxAttempts:    attempts,
		RetryDelay:     delay,
		SegmentTimeout: time.Second,
		StreamTimeout:  time.Second,
		ChunkSize:      4,
	}, zap.NewNop())
}

func TestFetch_WritesFile(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "segment data")
	}))
	defer server.Close()

	dest := filepath.Join(t.TempDir(), "segment_0000.ts")
	err := newTestFetcher(3, 0).Fetch(context.Background(), server.URL, dest, control.New(0))
	require.NoError(t, err)

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "segment data", string(data))
	assert.NoFileExists(t, dest+partSuffix)
}

func TestFetch_SkipsExistingFile(t *testing.T) {
	var requests int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		fmt.Fprint(w, "new")
	}))
	defer server.Close()

	dest := filepath.Join(t.TempDir(), "segment_0000.ts")
	require.NoError(t, os.WriteFile(dest, []byte("old"), 0644))

	require.NoError(t, newTestFetcher(3, 0).Fetch(context.Background(), server.URL, dest, control.New(0)))
	assert.Equal(t, int32(0), atomic.LoadInt32(&requests))

	data, _ := os.ReadFile(dest)
	assert.Equal(t, "old", string(data), "a done unit is never rewritten")
}

func TestFetch_RefetchesEmptyFile(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "full")
	}))
	defer server.Close()

	dest := filepath.Join(t.TempDir(), "segment_0000.ts")
	require.NoError(t, os.WriteFile(dest, nil, 0644))

	require.NoError(t, newTestFetcher(1, 0).Fetch(context.Background(), server.URL, dest, control.New(0)))
	data, _ := os.ReadFile(dest)
	assert.Equal(t, "full", string(data))
}

func TestFetch_RetryThenSuccess(t *testing.T) {
	var requests int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&requests, 1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, "ok")
	}))
	defer server.Close()

	dest := filepath.Join(t.TempDir(), "u.ts")
	require.NoError(t, newTestFetcher(5, time.Millisecond).Fetch(context.Background(), server.URL, dest, control.New(0)))
	assert.Equal(t, int32(3), atomic.LoadInt32(&requests))
}

func TestFetch_ExhaustsExactlyMaxAttempts(t *testing.T) {
	var requests int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	const attempts = 4
	const delay = 20 * time.Millisecond
	dest := filepath.Join(t.TempDir(), "u.ts")

	start := time.Now()
	err := newTestFetcher(attempts, delay).Fetch(context.Background(), server.URL, dest, control.New(0))
	elapsed := time.Since(start)

	require.ErrorIs(t, err, model.ErrFetchExhausted)
	var fe *model.FetchExhaustedError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, attempts, fe.Attempts)
	var te *TransportError
	require.True(t, errors.As(err, &te), "last cause must be carried")
	assert.Equal(t, http.StatusServiceUnavailable, te.StatusCode)

	assert.Equal(t, int32(attempts), atomic.LoadInt32(&requests))
	assert.GreaterOrEqual(t, elapsed, (attempts-1)*delay)
	assert.NoFileExists(t, dest)
}

func TestFetch_CancelDuringRetryDelay(t *testing.T) {
	var requests int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	ctl := control.New(0)
	go func() {
		time.Sleep(50 * time.Millisecond)
		ctl.Stop()
	}()

	start := time.Now()
	err := newTestFetcher(5, 5*time.Second).Fetch(context.Background(), server.URL, filepath.Join(t.TempDir(), "u.ts"), ctl)

	require.ErrorIs(t, err, model.ErrCancelled)
	assert.NotErrorIs(t, err, model.ErrFetchExhausted)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, int32(1), atomic.LoadInt32(&requests))
}

func TestFetch_PauseDoesNotInterruptDelayButBlocksNextAttempt(t *testing.T) {
	var mu sync.Mutex
	var times []time.Time
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		times = append(times, time.Now())
		n := len(times)
		mu.Unlock()
		if n == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, "ok")
	}))
	defer server.Close()

	ctl := control.New(5 * time.Millisecond)
	var resumedAt atomic.Value
	go func() {
		time.Sleep(10 * time.Millisecond)
		ctl.Pause()
		time.Sleep(150 * time.Millisecond)
		resumedAt.Store(time.Now())
		ctl.Resume()
	}()

	err := newTestFetcher(3, 30*time.Millisecond).Fetch(context.Background(), server.URL, filepath.Join(t.TempDir(), "u.ts"), ctl)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, times, 2)
	resumed := resumedAt.Load().(time.Time)
	assert.False(t, times[1].Before(resumed), "second attempt must wait for resume")
}

func TestFetch_LocalIOErrorNotRetried(t *testing.T) {
	var requests int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		fmt.Fprint(w, "data")
	}))
	defer server.Close()

	dest := filepath.Join(t.TempDir(), "missing-dir", "u.ts")
	err := newTestFetcher(5, time.Millisecond).Fetch(context.Background(), server.URL, dest, control.New(0))

	require.ErrorIs(t, err, model.ErrLocalIO)
	assert.NotErrorIs(t, err, model.ErrFetchExhausted)
	assert.Equal(t, int32(1), atomic.LoadInt32(&requests))
}

func TestFetch_StoppedBeforeStart(t *testing.T) {
	var requests int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
	}))
	defer server.Close()

	ctl := control.New(0)
	ctl.Stop()
	err := newTestFetcher(5, 0).Fetch(context.Background(), server.URL, filepath.Join(t.TempDir(), "u.ts"), ctl)
	assert.ErrorIs(t, err, model.ErrCancelled)
	assert.Equal(t, int32(0), atomic.LoadInt32(&requests))
}

func TestStream_ReportsMonotonicProgress(t *testing.T) {
	body := strings.Repeat("x", 37)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", fmt.Sprint(len(body)))
		fmt.Fprint(w, body)
	}))
	defer server.Close()

	dest := filepath.Join(t.TempDir(), "output.mp4")
	var received []int64
	var total int64
	err := newTestFetcher(2, 0).Stream(context.Background(), server.URL, dest, control.New(0), func(r, tot int64) {
		received = append(received, r)
		total = tot
	})
	require.NoError(t, err)

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, body, string(data))
	assert.Equal(t, int64(len(body)), total)
	require.NotEmpty(t, received)
	assert.Equal(t, int64(len(body)), received[len(received)-1])
	for i := 1; i < len(received); i++ {
		assert.Greater(t, received[i], received[i-1])
	}
}

func TestStream_UnknownLength(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.(http.Flusher).Flush() // forces chunked encoding
		fmt.Fprint(w, "chunked body")
	}))
	defer server.Close()

	var total int64 = -1
	dest := filepath.Join(t.TempDir(), "output.mp4")
	err := newTestFetcher(1, 0).Stream(context.Background(), server.URL, dest, control.New(0), func(_, tot int64) {
		total = tot
	})
	require.NoError(t, err)
	assert.Equal(t, int64(0), total)
}

func TestStream_CancelRemovesPartialFile(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1000")
		for i := 0; i < 250; i++ {
			if _, err := fmt.Fprint(w, "abcd"); err != nil {
				return
			}
			w.(http.Flusher).Flush()
			select {
			case <-time.After(10 * time.Millisecond):
			case <-r.Context().Done():
				return
			}
		}
	}))
	defer server.Close()

	ctl := control.New(0)
	dest := filepath.Join(t.TempDir(), "output.mp4")
	err := newTestFetcher(3, 0).Stream(context.Background(), server.URL, dest, ctl, func(received, _ int64) {
		if received >= 8 {
			ctl.Stop()
		}
	})

	require.ErrorIs(t, err, model.ErrCancelled)
	assert.NoFileExists(t, dest)
	assert.NoFileExists(t, dest+partSuffix)
}

func TestStream_SkipsExistingOutput(t *testing.T) {
	var requests int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
	}))
	defer server.Close()

	dest := filepath.Join(t.TempDir(), "output.mp4")
	require.NoError(t, os.WriteFile(dest, []byte("done"), 0644))

	var last int64
	err := newTestFetcher(3, 0).Stream(context.Background(), server.URL, dest, control.New(0), func(r, _ int64) { last = r })
	require.NoError(t, err)
	assert.Equal(t, int32(0), atomic.LoadInt32(&requests))
	assert.Equal(t, int64(4), last)
}
