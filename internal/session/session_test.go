package session

import (
	"context"
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

	"hls-grabber/internal/assemble"
	"hls-grabber/internal/downloader"
	"hls-grabber/internal/m3u8"
	"hls-grabber/internal/model"
)

const manifestPath = "/abc-id/hls/master/pl.m3u8"

// origin serves a media playlist of n segments plus the segments themselves.
type origin struct {
	*httptest.Server
	requests atomic.Int32

	mu       sync.Mutex
	hits     map[int]int
	hold     map[int]chan struct{}
	arrived  map[int]chan struct{}
	failing  map[int]bool
	manifest string
}

func newOrigin(t *testing.T, n int) *origin {
	t.Helper()
	o := &origin{
		hits:    map[int]int{},
		hold:    map[int]chan struct{}{},
		arrived: map[int]chan struct{}{},
		failing: map[int]bool{},
	}

	var b strings.Builder
	b.WriteString("#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:4\n")
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "#EXTINF:4.0,\nseg%d.ts\n", i)
	}
	b.WriteString("#EXT-X-ENDLIST\n")
	o.manifest = b.String()

	o.Server = httptest.NewServer(http.HandlerFunc(o.serve))
	t.Cleanup(o.Close)
	return o
}

func (o *origin) serve(w http.ResponseWriter, r *http.Request) {
	o.requests.Add(1)
	if r.URL.Path == manifestPath {
		fmt.Fprint(w, o.manifest)
		return
	}

	var idx int
	if _, err := fmt.Sscanf(filepath.Base(r.URL.Path), "seg%d.ts", &idx); err != nil {
		http.NotFound(w, r)
		return
	}

	o.mu.Lock()
	o.hits[idx]++
	hold, arrived, failing := o.hold[idx], o.arrived[idx], o.failing[idx]
	o.mu.Unlock()

	if arrived != nil {
		select {
		case arrived <- struct{}{}:
		default:
		}
	}
	if hold != nil {
		<-hold
	}
	if failing {
		http.Error(w, "upstream broke", http.StatusInternalServerError)
		return
	}
	fmt.Fprintf(w, "seg-%d;", idx)
}

func (o *origin) hitsFor(i int) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hits[i]
}

func (o *origin) totalSegmentHits() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, h := range o.hits {
		n += h
	}
	return n
}

// catTool stands in for ffmpeg by concatenating the listed files.
type catTool struct {
	calls atomic.Int32
}

func (c *catTool) Concat(ctx context.Context, listPath, outputPath string) error {
	c.calls.Add(1)
	list, err := os.ReadFile(listPath)
	if err != nil {
		return err
	}
	var out []byte
	for _, line := range strings.Split(strings.TrimSpace(string(list)), "\n") {
		path := strings.TrimSuffix(strings.TrimPrefix(line, "file '"), "'")
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		out = append(out, data...)
	}
	return os.WriteFile(outputPath, out, 0644)
}

func newTestController(attempts int, delay time.Duration, tool assemble.Concatenator) *Controller {
	return newTestControllerWith(attempts, delay, tool, Config{EventBuffer: 256})
}

func newTestControllerWith(attempts int, delay time.Duration, tool assemble.Concatenator, cfg Config) *Controller {
	client := downloader.NewClient(nil)
	fetcher := downloader.NewFetcher(client, downloader.Config{
		MaxAttempts:    attempts,
		RetryDelay:     delay,
		SegmentTimeout: 2 * time.Second,
		StreamTimeout:  2 * time.Second,
		ChunkSize:      64,
	}, zap.NewNop())
	resolver := m3u8.NewResolver(client, 2*time.Second, zap.NewNop())
	asm := assemble.New(tool, assemble.Config{}, zap.NewNop())
	return NewController(resolver, fetcher, asm, cfg, zap.NewNop())
}

func collect(t *testing.T, s *Session) []Event {
	t.Helper()
	var events []Event
	timeout := time.After(10 * time.Second)
	for {
		select {
		case e, ok := <-s.Events():
			if !ok {
				return events
			}
			events = append(events, e)
		case <-timeout:
			t.Fatal("session did not finish")
			return nil
		}
	}
}

func wait(t *testing.T, s *Session) Outcome {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	o, err := s.Wait(ctx)
	require.NoError(t, err)
	return o
}

func TestSession_SegmentedEndToEnd(t *testing.T) {
	o := newOrigin(t, 3)
	root := t.TempDir()
	tool := &catTool{}

	s, err := newTestController(3, 0, tool).Start(context.Background(), o.URL+manifestPath, root)
	require.NoError(t, err)
	assert.Equal(t, "abc-id", s.Source.ID)
	assert.Equal(t, model.ModeSegmented, s.Source.Mode)

	events := collect(t, s)
	out := wait(t, s)

	require.True(t, out.Success(), out.Message)
	assert.Equal(t, filepath.Join(root, "abc-id", "output.mp4"), out.OutputPath)
	data, err := os.ReadFile(out.OutputPath)
	require.NoError(t, err)
	assert.Equal(t, "seg-0;seg-1;seg-2;", string(data))
	assert.Equal(t, int32(1), tool.calls.Load())
	assert.NoFileExists(t, s.Paths.FileList)

	var segs []int
	var last int64 = -1
	for _, e := range events {
		assert.Equal(t, s.ID, e.SessionID)
		switch e.Type {
		case EventSegment:
			assert.Equal(t, model.SegmentDone, e.Segment.Status)
			segs = append(segs, e.Segment.Index)
		case EventProgress:
			assert.GreaterOrEqual(t, e.Progress.Completed, last)
			last = e.Progress.Completed
			assert.Equal(t, int64(3), e.Progress.Total)
		}
	}
	assert.Equal(t, []int{0, 1, 2}, segs)

	final := events[len(events)-1]
	assert.Equal(t, EventDone, final.Type)
	assert.Equal(t, model.StateSucceeded, final.Outcome.State)

	assert.Equal(t, model.StateSucceeded, s.State())
	assert.Equal(t, model.Progress{Completed: 3, Total: 3, Unit: model.UnitSegments}, s.Progress())
}

func TestSession_SecondRunMakesNoRequests(t *testing.T) {
	o := newOrigin(t, 4)
	root := t.TempDir()
	c := newTestController(3, 0, &catTool{})

	first, err := c.Start(context.Background(), o.URL+manifestPath, root)
	require.NoError(t, err)
	firstOut := wait(t, first)
	require.True(t, firstOut.Success())

	o.requests.Store(0)
	second, err := c.Start(context.Background(), o.URL+manifestPath, root)
	require.NoError(t, err)
	secondOut := wait(t, second)

	require.True(t, secondOut.Success())
	assert.Equal(t, firstOut.OutputPath, secondOut.OutputPath)
	assert.Equal(t, int32(0), o.requests.Load())
}

func TestSession_ResumeSkipsDoneSegments(t *testing.T) {
	o := newOrigin(t, 3)
	root := t.TempDir()
	c := newTestController(3, 0, &catTool{})

	first, err := c.Start(context.Background(), o.URL+manifestPath, root)
	require.NoError(t, err)
	require.True(t, wait(t, first).Success())

	// only the output is gone, every segment is still on disk
	require.NoError(t, os.Remove(first.Paths.Output))

	second, err := c.Start(context.Background(), o.URL+manifestPath, root)
	require.NoError(t, err)
	require.True(t, wait(t, second).Success())

	for i := 0; i < 3; i++ {
		assert.Equal(t, 1, o.hitsFor(i), "segment %d", i)
	}
}

func TestSession_PauseHoldsNextSegment(t *testing.T) {
	o := newOrigin(t, 5)
	hold := make(chan struct{})
	arrived := make(chan struct{}, 1)
	o.hold[2] = hold
	o.arrived[2] = arrived

	s, err := newTestController(3, 0, &catTool{}).Start(context.Background(), o.URL+manifestPath, t.TempDir())
	require.NoError(t, err)

	select {
	case <-arrived:
	case <-time.After(5 * time.Second):
		t.Fatal("segment 2 never requested")
	}

	require.True(t, s.Pause())
	assert.Equal(t, model.StatePaused, s.State())
	close(hold)

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 3, o.totalSegmentHits(), "segment 3 dispatched while paused")
	assert.Equal(t, 0, o.hitsFor(3))
	assert.Equal(t, model.StatePaused, s.State())
	assert.Equal(t, int64(3), s.Progress().Completed)

	require.True(t, s.Resume())
	out := wait(t, s)
	require.True(t, out.Success(), out.Message)
	for i := 0; i < 5; i++ {
		assert.Equal(t, 1, o.hitsFor(i), "segment %d", i)
	}
}

func TestSession_CancelDuringRetryDelay(t *testing.T) {
	o := newOrigin(t, 2)
	arrived := make(chan struct{}, 1)
	o.failing[0] = true
	o.arrived[0] = arrived

	s, err := newTestController(5, 10*time.Second, &catTool{}).Start(context.Background(), o.URL+manifestPath, t.TempDir())
	require.NoError(t, err)

	select {
	case <-arrived:
	case <-time.After(5 * time.Second):
		t.Fatal("segment 0 never requested")
	}
	time.Sleep(50 * time.Millisecond)

	start := time.Now()
	require.True(t, s.Cancel())
	assert.Equal(t, model.StateStopped, s.State())
	out := wait(t, s)

	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, model.StateStopped, out.State)
	assert.Equal(t, "Cancelled", out.Kind)
	assert.False(t, out.Success())
	assert.Equal(t, 1, o.hitsFor(0))

	assert.False(t, s.Resume(), "stopped is terminal")
	assert.False(t, s.Pause())
	assert.False(t, s.Cancel())
}

func TestSession_ContextCancelStops(t *testing.T) {
	o := newOrigin(t, 2)
	hold := make(chan struct{})
	arrived := make(chan struct{}, 1)
	o.hold[0] = hold
	o.arrived[0] = arrived
	defer close(hold)

	ctx, cancel := context.WithCancel(context.Background())
	s, err := newTestController(3, 0, &catTool{}).Start(ctx, o.URL+manifestPath, t.TempDir())
	require.NoError(t, err)

	<-arrived
	cancel()
	assert.Eventually(t, func() bool { return s.State() == model.StateStopped }, time.Second, 5*time.Millisecond)
}

func TestSession_Progressive(t *testing.T) {
	body := strings.Repeat("x", 1000)
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.Header().Set("Content-Length", "1000")
		fmt.Fprint(w, body)
	}))
	defer server.Close()

	root := t.TempDir()
	tool := &catTool{}
	s, err := newTestController(3, 0, tool).Start(context.Background(), server.URL+"/v/clip123.mp4", root)
	require.NoError(t, err)
	assert.Equal(t, "clip123", s.Source.ID)

	events := collect(t, s)
	out := wait(t, s)
	require.True(t, out.Success(), out.Message)
	assert.Equal(t, filepath.Join(root, "clip123", "output.mp4"), out.OutputPath)
	data, err := os.ReadFile(out.OutputPath)
	require.NoError(t, err)
	assert.Equal(t, body, string(data))
	assert.Equal(t, int32(0), tool.calls.Load())
	assert.NoDirExists(t, s.Paths.SegmentsDir)

	var last model.Progress
	for _, e := range events {
		if e.Type == EventProgress {
			assert.Equal(t, model.UnitBytes, e.Progress.Unit)
			assert.GreaterOrEqual(t, e.Progress.Completed, last.Completed)
			last = *e.Progress
		}
	}
	assert.Equal(t, int64(1000), last.Completed)
	assert.Equal(t, int64(1000), last.Total)
}

func TestSession_Failures(t *testing.T) {
	tests := []struct {
		name  string
		setup func(o *origin)
		path  string
		kind  string
	}{
		{
			name: "manifest missing",
			path: "/abc-id/hls/master/missing.m3u8",
			kind: "ManifestFetchError",
		},
		{
			name:  "manifest garbage",
			setup: func(o *origin) { o.manifest = "<html>blocked</html>" },
			path:  manifestPath,
			kind:  "ManifestParseError",
		},
		{
			name:  "manifest empty",
			setup: func(o *origin) { o.manifest = "#EXTM3U\n#EXT-X-TARGETDURATION:4\n#EXT-X-ENDLIST\n" },
			path:  manifestPath,
			kind:  "EmptyManifestError",
		},
		{
			name:  "segment exhausted",
			setup: func(o *origin) { o.failing[1] = true },
			path:  manifestPath,
			kind:  "FetchExhausted",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := newOrigin(t, 3)
			if tt.setup != nil {
				tt.setup(o)
			}

			s, err := newTestController(2, 0, &catTool{}).Start(context.Background(), o.URL+tt.path, t.TempDir())
			require.NoError(t, err)
			out := wait(t, s)

			assert.Equal(t, model.StateFailed, out.State)
			assert.Equal(t, tt.kind, out.Kind)
			assert.NotEmpty(t, out.Message)
			assert.Error(t, out.Err)
			assert.NoFileExists(t, s.Paths.Output)
		})
	}
}

func TestSession_FailedSegmentEvent(t *testing.T) {
	o := newOrigin(t, 3)
	o.failing[1] = true

	s, err := newTestController(2, 0, &catTool{}).Start(context.Background(), o.URL+manifestPath, t.TempDir())
	require.NoError(t, err)

	var got []model.Segment
	for _, e := range collect(t, s) {
		if e.Type == EventSegment {
			got = append(got, *e.Segment)
		}
	}
	require.Len(t, got, 2)
	assert.Equal(t, model.SegmentDone, got[0].Status)
	assert.Equal(t, 1, got[1].Index)
	assert.Equal(t, model.SegmentFailed, got[1].Status)
	assert.Equal(t, 2, o.hitsFor(1))
	assert.Equal(t, 0, o.hitsFor(2), "no dispatch after a failure")
}

func TestStart_Validation(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "file.txt")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0644))

	tests := []struct {
		name string
		url  string
		dir  string
		want error
	}{
		{"empty url", "", dir, model.ErrInvalidInput},
		{"blank url", "   ", dir, model.ErrInvalidInput},
		{"empty dir", "http://host/a/b/c/pl.m3u8", "", model.ErrInvalidInput},
		{"missing dir", "http://host/a/b/c/pl.m3u8", filepath.Join(dir, "nope"), model.ErrInvalidInput},
		{"dir is a file", "http://host/a/b/c/pl.m3u8", file, model.ErrInvalidInput},
		{"not http", "ftp://host/a/b/c/pl.m3u8", dir, model.ErrInvalidInput},
		{"no host", "http:///a/pl.m3u8", dir, model.ErrInvalidInput},
		{"unsupported suffix", "http://host/v/page.html", dir, model.ErrUnsupportedSource},
		{"no suffix", "http://host/v/stream", dir, model.ErrUnsupportedSource},
	}
	c := newTestController(1, 0, &catTool{})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := c.Start(context.Background(), tt.url, tt.dir)
			assert.Nil(t, s)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestPlan_Identifier(t *testing.T) {
	c := newTestController(1, 0, &catTool{})
	dir := t.TempDir()

	src, paths, err := c.Plan("http://host/abc-id/hls/master/pl.m3u8", dir)
	require.NoError(t, err)
	assert.Equal(t, "abc-id", src.ID)
	assert.Equal(t, filepath.Join(dir, "abc-id", "segments"), paths.SegmentsDir)

	src, paths, err = c.Plan("https://host/v/clip123.mp4?token=1", dir)
	require.NoError(t, err)
	assert.Equal(t, model.ModeProgressive, src.Mode)
	assert.Equal(t, filepath.Join(dir, "clip123", "output.mp4"), paths.Output)
}

func TestSession_FinishesWithoutEventReader(t *testing.T) {
	const n = 100
	o := newOrigin(t, n)
	root := t.TempDir()

	s, err := newTestControllerWith(3, 0, &catTool{}, Config{}).Start(context.Background(), o.URL+manifestPath, root)
	require.NoError(t, err)

	// nobody reads Events until the session is over
	out := wait(t, s)
	require.True(t, out.Success(), out.Message)
	assert.Equal(t, model.Progress{Completed: n, Total: n, Unit: model.UnitSegments}, s.Progress())
	assert.Equal(t, n, o.totalSegmentHits())

	segs := s.Segments()
	require.Len(t, segs, n)
	for i, seg := range segs {
		assert.Equal(t, i, seg.Index)
		assert.Equal(t, model.SegmentDone, seg.Status)
	}

	events := collect(t, s)
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, EventDone, last.Type)
	require.NotNil(t, last.Outcome)
	assert.Equal(t, model.StateSucceeded, last.Outcome.State)
	assert.LessOrEqual(t, len(events), 64)
}
