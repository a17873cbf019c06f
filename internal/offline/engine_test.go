package offline

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"

	"github.com/sho7650/media-offline/internal/core"
	"github.com/sho7650/media-offline/internal/download"
	"github.com/sho7650/media-offline/internal/retry"
	"github.com/sho7650/media-offline/internal/storage"
	"github.com/sho7650/media-offline/internal/transport"
)

// route answers one Fetch call
type route func(ctx context.Context, url string, rng *transport.Range) (*transport.Response, error)

// fakeFetcher serves scripted routes per URL. The last route of a URL
// repeats once the others are used up.
type fakeFetcher struct {
	mu       sync.Mutex
	routes   map[string][]route
	calls    map[string]int
	order    []string
	inflight int
	peak     int
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{routes: make(map[string][]route), calls: make(map[string]int)}
}

func (f *fakeFetcher) serve(url string, routes ...route) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routes[url] = routes
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string, rng *transport.Range) (*transport.Response, error) {
	f.mu.Lock()
	n := f.calls[url]
	f.calls[url]++
	f.order = append(f.order, url)
	f.inflight++
	f.peak = max(f.peak, f.inflight)
	routes := f.routes[url]
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inflight--
		f.mu.Unlock()
	}()

	if len(routes) == 0 {
		return nil, &transport.ResponseError{URL: url, Status: http.StatusNotFound}
	}
	return routes[min(n, len(routes)-1)](ctx, url, rng)
}

func (f *fakeFetcher) callCount(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

func (f *fakeFetcher) fetchOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.order...)
}

func (f *fakeFetcher) peakInflight() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peak
}

func serveBytes(data []byte) route {
	return func(ctx context.Context, url string, rng *transport.Range) (*transport.Response, error) {
		offset := int64(0)
		if rng != nil && rng.Start <= int64(len(data)) {
			offset = rng.Start
		}
		return &transport.Response{
			Body:      io.NopCloser(bytes.NewReader(data[offset:])),
			Offset:    offset,
			TotalSize: int64(len(data)),
		}, nil
	}
}

func failWith(err error) route {
	return func(ctx context.Context, url string, rng *transport.Range) (*transport.Response, error) {
		return nil, err
	}
}

// blockUntilCancelled holds the request until the caller gives up
func blockUntilCancelled() route {
	return func(ctx context.Context, url string, rng *transport.Range) (*transport.Response, error) {
		<-ctx.Done()
		return nil, &transport.NetworkError{URL: url, Err: ctx.Err()}
	}
}

// gated holds the request until gate is closed and then serves data
func gated(gate <-chan struct{}, data []byte) route {
	serve := serveBytes(data)
	return func(ctx context.Context, url string, rng *transport.Range) (*transport.Response, error) {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, &transport.NetworkError{URL: url, Err: ctx.Err()}
		}
		return serve(ctx, url, rng)
	}
}

func slow(d time.Duration, data []byte) route {
	serve := serveBytes(data)
	return func(ctx context.Context, url string, rng *transport.Range) (*transport.Response, error) {
		time.Sleep(d)
		return serve(ctx, url, rng)
	}
}

func payload(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

// recorded is one listener notification
type recorded struct {
	kind    string
	product core.MediaProduct
	pct     float64
	err     error
}

// recorder keeps every notification it receives in order
type recorder struct {
	mu     sync.Mutex
	events []recorded
}

func (r *recorder) add(ev recorded) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) OffliningStarted(product core.MediaProduct) {
	r.add(recorded{kind: "started", product: product})
}

func (r *recorder) OffliningProgressed(product core.MediaProduct, percentage float64) {
	r.add(recorded{kind: "progressed", product: product, pct: percentage})
}

func (r *recorder) OffliningCompleted(product core.MediaProduct) {
	r.add(recorded{kind: "completed", product: product})
}

func (r *recorder) OffliningFailed(product core.MediaProduct, err error) {
	r.add(recorded{kind: "failed", product: product, err: err})
}

func (r *recorder) OfflinedDeleted(product core.MediaProduct) {
	r.add(recorded{kind: "deleted", product: product})
}

func (r *recorder) AllOfflinedMediaProductsDeleted() {
	r.add(recorded{kind: "all-deleted"})
}

func (r *recorder) of(kind string) []recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []recorded
	for _, ev := range r.events {
		if ev.kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

// kinds lists notification kinds in order, collapsing repeated progress
func (r *recorder) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, ev := range r.events {
		if ev.kind == "progressed" && len(out) > 0 && out[len(out)-1] == "progressed" {
			continue
		}
		out = append(out, ev.kind)
	}
	return out
}

// MockListener is a mock implementation of Listener
type MockListener struct {
	mock.Mock
}

func (m *MockListener) OffliningStarted(product core.MediaProduct) { m.Called(product) }

func (m *MockListener) OffliningProgressed(product core.MediaProduct, percentage float64) {
	m.Called(product, percentage)
}

func (m *MockListener) OffliningCompleted(product core.MediaProduct) { m.Called(product) }

func (m *MockListener) OffliningFailed(product core.MediaProduct, err error) { m.Called(product, err) }

func (m *MockListener) OfflinedDeleted(product core.MediaProduct) { m.Called(product) }

func (m *MockListener) AllOfflinedMediaProductsDeleted() { m.Called() }

func track(id string) core.MediaProduct {
	return core.MediaProduct{Type: core.ProductTrack, ID: id, URL: "https://media.example.com/" + id}
}

type EngineSuite struct {
	suite.Suite
	ctx      context.Context
	store    *storage.SQLiteStorage
	fetcher  *fakeFetcher
	engine   *Engine
	recorder *recorder
}

func TestEngineSuite(t *testing.T) {
	suite.Run(t, new(EngineSuite))
}

func (s *EngineSuite) SetupTest() {
	s.ctx = context.Background()
	dir := s.T().TempDir()
	s.store = storage.NewSQLiteStorage(filepath.Join(dir, "offline.db"), filepath.Join(dir, "media"), nil)
	s.Require().NoError(s.store.Initialize(s.ctx))

	s.fetcher = newFakeFetcher()
	s.engine = nil
	s.newEngine(DefaultWorkers)
}

func (s *EngineSuite) TearDownTest() {
	s.NoError(s.engine.Close())
	s.NoError(s.store.Close())
}

// newEngine replaces the engine under test with one bounded to workers
func (s *EngineSuite) newEngine(workers int64) {
	if s.engine != nil {
		s.Require().NoError(s.engine.Close())
	}

	policy := retry.StandardPolicy{Base: time.Millisecond, Max: 4 * time.Millisecond}
	downloader := download.New(s.store, s.fetcher, download.Options{
		ChunkSize: 1 << 20,
		Retries: retry.Managers{
			Response: retry.NewErrorManager(2, policy),
			Network:  retry.NewErrorManager(3, policy),
			Timeout:  retry.NewErrorManager(3, policy),
		},
	})
	s.engine = NewEngine(s.store, downloader, Options{Workers: workers})
	s.recorder = &recorder{}
	s.engine.AddListener(s.recorder)
}

func (s *EngineSuite) state(product core.MediaProduct) State {
	state, err := s.engine.State(s.ctx, product)
	s.Require().NoError(err)
	return state
}

func (s *EngineSuite) TestTrackCompletesAfterRetries() {
	product := track("t1")
	s.fetcher.serve(product.URL,
		failWith(&transport.NetworkError{URL: product.URL, Err: errors.New("connection reset")}),
		failWith(&transport.NetworkError{URL: product.URL, Err: errors.New("connection reset")}),
		serveBytes(payload(10<<20)),
	)

	listener := &MockListener{}
	listener.On("OffliningStarted", product).Once()
	listener.On("OffliningProgressed", product, mock.AnythingOfType("float64"))
	listener.On("OffliningCompleted", product).Once()
	s.engine.AddListener(listener)

	s.Equal(NotRequested, s.state(product))
	s.Require().NoError(s.engine.Start(s.ctx, product))
	s.engine.Wait()

	s.Equal(Complete, s.state(product))
	s.Equal(3, s.fetcher.callCount(product.URL))
	listener.AssertExpectations(s.T())
	listener.AssertNumberOfCalls(s.T(), "OffliningCompleted", 1)
	listener.AssertNotCalled(s.T(), "OffliningFailed", mock.Anything, mock.Anything)

	s.Equal([]string{"started", "progressed", "completed"}, s.recorder.kinds())
	progress := s.recorder.of("progressed")
	s.Equal(100.0, progress[len(progress)-1].pct)

	item, err := s.store.GetItemByProduct(s.ctx, "track", "t1")
	s.Require().NoError(err)
	s.Equal(int64(10<<20), item.SizeBytes)
	s.Equal(item.SizeBytes, item.DownloadedBytes)
	s.True(item.Requested)
}

func (s *EngineSuite) TestStartWhileActiveIsRejected() {
	product := track("t1")
	gate := make(chan struct{})
	s.fetcher.serve(product.URL, gated(gate, payload(4096)))

	s.Require().NoError(s.engine.Start(s.ctx, product))
	s.Eventually(func() bool { return s.fetcher.callCount(product.URL) == 1 }, time.Second, time.Millisecond)
	s.Equal(InProgress, s.state(product))

	err := s.engine.Start(s.ctx, product)
	s.ErrorIs(err, ErrAlreadyInProgress)

	close(gate)
	s.engine.Wait()

	s.Equal(1, s.fetcher.callCount(product.URL))
	s.Len(s.recorder.of("completed"), 1)
	s.Equal(Complete, s.state(product))

	// Finished jobs can be started again
	s.NoError(s.engine.Start(s.ctx, product))
	s.engine.Wait()
}

func (s *EngineSuite) TestStateIsPendingWhileWaitingForWorker() {
	s.newEngine(1)
	first, second := track("t1"), track("t2")
	gate := make(chan struct{})
	s.fetcher.serve(first.URL, gated(gate, payload(1024)))
	s.fetcher.serve(second.URL, serveBytes(payload(1024)))

	s.Require().NoError(s.engine.Start(s.ctx, first))
	s.Eventually(func() bool { return s.fetcher.callCount(first.URL) == 1 }, time.Second, time.Millisecond)
	s.Require().NoError(s.engine.Start(s.ctx, second))

	s.Equal(InProgress, s.state(first))
	s.Equal(Pending, s.state(second))

	close(gate)
	s.engine.Wait()
	s.Equal(Complete, s.state(first))
	s.Equal(Complete, s.state(second))
}

func (s *EngineSuite) TestWorkersBoundConcurrency() {
	s.newEngine(2)
	for _, id := range []string{"t1", "t2", "t3", "t4", "t5"} {
		product := track(id)
		s.fetcher.serve(product.URL, slow(20*time.Millisecond, payload(512)))
		s.Require().NoError(s.engine.Start(s.ctx, product))
	}
	s.engine.Wait()

	s.LessOrEqual(s.fetcher.peakInflight(), 2)
	s.Len(s.recorder.of("completed"), 5)
}

func (s *EngineSuite) TestPermanentFailure() {
	product := track("missing")

	s.Require().NoError(s.engine.Start(s.ctx, product))
	s.engine.Wait()

	s.Equal(Failed, s.state(product))
	s.Equal(1, s.fetcher.callCount(product.URL))

	failures := s.recorder.of("failed")
	s.Require().Len(failures, 1)
	var respErr *transport.ResponseError
	s.Require().ErrorAs(failures[0].err, &respErr)
	s.Equal(http.StatusNotFound, respErr.Status)
	s.NotErrorIs(failures[0].err, ErrCancelled)

	// A failed product can be retried
	s.fetcher.serve(product.URL, serveBytes(payload(100)))
	s.Require().NoError(s.engine.Start(s.ctx, product))
	s.engine.Wait()
	s.Equal(Complete, s.state(product))
}

func (s *EngineSuite) TestCancelKeepsCheckpointAndResumes() {
	product := track("t1")
	s.fetcher.serve(product.URL, blockUntilCancelled())

	s.False(s.engine.Cancel(product))
	s.Require().NoError(s.engine.Start(s.ctx, product))
	s.Eventually(func() bool { return s.fetcher.callCount(product.URL) == 1 }, time.Second, time.Millisecond)

	s.True(s.engine.Cancel(product))
	s.engine.Wait()

	failures := s.recorder.of("failed")
	s.Require().Len(failures, 1)
	s.ErrorIs(failures[0].err, ErrCancelled)
	s.ErrorIs(failures[0].err, context.Canceled)
	s.Equal(InProgress, s.state(product))

	s.fetcher.serve(product.URL, serveBytes(payload(2048)))
	started, err := s.engine.ResumeInterrupted(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, started)
	s.engine.Wait()

	s.Equal(Complete, s.state(product))
}

func (s *EngineSuite) TestResumeInterruptedAfterRestart() {
	product := track("t1")
	item := &storage.Item{
		ProductID:   product.ID,
		ProductType: string(product.Type),
		SourceURL:   product.URL,
		State:       storage.StateInProgress,
		Requested:   true,
	}
	s.Require().NoError(s.store.CreateItem(s.ctx, item))

	data := payload(3 << 20)
	w, err := s.store.OpenWriter(s.ctx, item, 0)
	s.Require().NoError(err)
	_, err = w.Write(data[:1<<20])
	s.Require().NoError(err)
	s.Require().NoError(w.Close())
	s.Require().NoError(s.store.RecordProgress(s.ctx, item.ID, 1<<20, int64(len(data))))

	var ranges []int64
	var mu sync.Mutex
	serve := serveBytes(data)
	s.fetcher.serve(product.URL, func(ctx context.Context, url string, rng *transport.Range) (*transport.Response, error) {
		mu.Lock()
		if rng != nil {
			ranges = append(ranges, rng.Start)
		}
		mu.Unlock()
		return serve(ctx, url, rng)
	})

	started, err := s.engine.ResumeInterrupted(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, started)
	s.engine.Wait()

	s.Equal(Complete, s.state(product))
	s.Equal([]int64{1 << 20}, ranges)
}

func (s *EngineSuite) TestCollectionDownloadsChildrenInOrder() {
	album := core.MediaProduct{
		Type:  core.ProductAlbum,
		ID:    "a1",
		Title: "First Album",
		Items: []core.MediaProduct{track("t1"), track("t2"), track("t3")},
	}
	for _, child := range album.Items {
		s.fetcher.serve(child.URL, serveBytes(payload(2048)))
	}

	s.Require().NoError(s.engine.Start(s.ctx, album))
	s.engine.Wait()

	s.Equal(Complete, s.state(album))
	s.Equal([]string{album.Items[0].URL, album.Items[1].URL, album.Items[2].URL}, s.fetcher.fetchOrder())

	parent, err := s.store.GetItemByProduct(s.ctx, "album", "a1")
	s.Require().NoError(err)
	s.True(parent.Requested)

	children, err := s.store.Children(s.ctx, parent.ID)
	s.Require().NoError(err)
	s.Require().Len(children, 3)
	for i, child := range children {
		s.Equal(album.Items[i].ID, child.ProductID)
		s.False(child.Requested)
		s.Equal(storage.StateComplete, child.State)
	}

	size, err := s.store.SubtreeSize(s.ctx, parent.ID)
	s.Require().NoError(err)
	s.Equal(int64(3*2048), size)

	s.Equal([]string{"started", "progressed", "completed"}, s.recorder.kinds())
	previous := 0.0
	for _, ev := range s.recorder.of("progressed") {
		s.Equal(album.Key(), ev.product.Key())
		s.GreaterOrEqual(ev.pct, previous)
		previous = ev.pct
	}
	s.InDelta(100.0, previous, 0.001)
}

func (s *EngineSuite) TestCollectionFailsWithChild() {
	album := core.MediaProduct{
		Type:  core.ProductPlaylist,
		ID:    "p1",
		Items: []core.MediaProduct{track("t1"), track("gone"), track("t3")},
	}
	s.fetcher.serve(album.Items[0].URL, serveBytes(payload(100)))
	s.fetcher.serve(album.Items[2].URL, serveBytes(payload(100)))

	s.Require().NoError(s.engine.Start(s.ctx, album))
	s.engine.Wait()

	s.Equal(Failed, s.state(album))
	s.Equal(Complete, s.state(album.Items[0]))
	s.Equal(Failed, s.state(album.Items[1]))
	s.Equal(Pending, s.state(album.Items[2]))
	s.Zero(s.fetcher.callCount(album.Items[2].URL))

	failures := s.recorder.of("failed")
	s.Require().Len(failures, 1)
	s.Equal(album.Key(), failures[0].product.Key())
	s.ErrorContains(failures[0].err, "track gone")
}

func (s *EngineSuite) TestRestartedCollectionDropsRemovedMembers() {
	playlist := core.MediaProduct{
		Type:  core.ProductPlaylist,
		ID:    "p1",
		Items: []core.MediaProduct{track("t1"), track("t2")},
	}
	for _, id := range []string{"t1", "t2", "t3"} {
		s.fetcher.serve(track(id).URL, serveBytes(payload(64)))
	}
	s.Require().NoError(s.engine.Start(s.ctx, playlist))
	s.engine.Wait()

	playlist.Items = []core.MediaProduct{track("t3"), track("t1")}
	s.Require().NoError(s.engine.Start(s.ctx, playlist))
	s.engine.Wait()

	parent, err := s.store.GetItemByProduct(s.ctx, "playlist", "p1")
	s.Require().NoError(err)
	children, err := s.store.Children(s.ctx, parent.ID)
	s.Require().NoError(err)

	var ids []string
	for _, child := range children {
		ids = append(ids, child.ProductID)
	}
	s.ElementsMatch([]string{"t1", "t3"}, ids)
}

func (s *EngineSuite) TestDeleteCollectionCascades() {
	shared := track("t2")
	album := core.MediaProduct{
		Type:  core.ProductAlbum,
		ID:    "a1",
		Items: []core.MediaProduct{track("t1"), shared},
	}
	for _, child := range album.Items {
		s.fetcher.serve(child.URL, serveBytes(payload(256)))
	}

	s.Require().NoError(s.engine.Start(s.ctx, shared))
	s.engine.Wait()
	s.Require().NoError(s.engine.Start(s.ctx, album))
	s.engine.Wait()

	s.Require().NoError(s.engine.Delete(s.ctx, album))
	s.engine.Wait()

	s.Equal(NotRequested, s.state(album))
	s.Equal(NotRequested, s.state(album.Items[0]))
	s.Equal(Complete, s.state(shared))

	var deleted []string
	for _, ev := range s.recorder.of("deleted") {
		deleted = append(deleted, ev.product.Key())
	}
	s.ElementsMatch([]string{album.Key(), album.Items[0].Key()}, deleted)

	err := s.engine.Delete(s.ctx, album)
	s.ErrorIs(err, storage.ErrNotFound)
}

func (s *EngineSuite) TestDeleteCancelsActiveJob() {
	product := track("t1")
	s.fetcher.serve(product.URL, blockUntilCancelled())

	s.Require().NoError(s.engine.Start(s.ctx, product))
	s.Eventually(func() bool { return s.fetcher.callCount(product.URL) == 1 }, time.Second, time.Millisecond)

	s.Require().NoError(s.engine.Delete(s.ctx, product))
	s.engine.Wait()

	s.Equal(NotRequested, s.state(product))
	s.Equal([]string{"started", "failed", "deleted"}, s.recorder.kinds())
}

func (s *EngineSuite) TestDeleteAll() {
	first, second := track("t1"), track("t2")
	s.fetcher.serve(first.URL, serveBytes(payload(128)))
	s.fetcher.serve(second.URL, blockUntilCancelled())

	s.Require().NoError(s.engine.Start(s.ctx, first))
	s.Require().NoError(s.engine.Start(s.ctx, second))
	s.Eventually(func() bool { return s.fetcher.callCount(second.URL) == 1 }, time.Second, time.Millisecond)

	s.Require().NoError(s.engine.DeleteAll(s.ctx))
	s.engine.Wait()

	s.Equal(NotRequested, s.state(first))
	s.Equal(NotRequested, s.state(second))
	s.Len(s.recorder.of("all-deleted"), 1)

	items, err := s.store.ListItems(s.ctx, storage.ItemQuery{})
	s.Require().NoError(err)
	s.Empty(items)
}

func (s *EngineSuite) TestStartWaitsForDeleteAll() {
	first, second := track("t1"), track("t2")
	cancelled := make(chan struct{})
	release := make(chan struct{})
	// The first download lingers after cancellation, keeping DeleteAll busy
	s.fetcher.serve(first.URL, func(ctx context.Context, url string, rng *transport.Range) (*transport.Response, error) {
		<-ctx.Done()
		close(cancelled)
		<-release
		return nil, &transport.NetworkError{URL: url, Err: ctx.Err()}
	})
	s.fetcher.serve(second.URL, serveBytes(payload(256)))

	s.Require().NoError(s.engine.Start(s.ctx, first))
	s.Eventually(func() bool { return s.fetcher.callCount(first.URL) == 1 }, time.Second, time.Millisecond)

	deleted := make(chan error, 1)
	go func() { deleted <- s.engine.DeleteAll(s.ctx) }()
	<-cancelled

	started := make(chan error, 1)
	go func() { started <- s.engine.Start(s.ctx, second) }()

	select {
	case err := <-started:
		s.FailNow("Start returned during DeleteAll", "err: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	s.Zero(s.fetcher.callCount(second.URL))

	close(release)
	s.Require().NoError(<-deleted)
	s.Require().NoError(<-started)
	s.engine.Wait()

	s.Equal(NotRequested, s.state(first))
	s.Equal(Complete, s.state(second), "A job started after DeleteAll survives it")
}

func (s *EngineSuite) TestStartGivesUpWaitingForDeleteAll() {
	first := track("t1")
	release := make(chan struct{})
	s.fetcher.serve(first.URL, func(ctx context.Context, url string, rng *transport.Range) (*transport.Response, error) {
		<-ctx.Done()
		<-release
		return nil, &transport.NetworkError{URL: url, Err: ctx.Err()}
	})

	s.Require().NoError(s.engine.Start(s.ctx, first))
	s.Eventually(func() bool { return s.fetcher.callCount(first.URL) == 1 }, time.Second, time.Millisecond)

	deleted := make(chan error, 1)
	go func() { deleted <- s.engine.DeleteAll(s.ctx) }()
	s.Eventually(func() bool {
		s.engine.mu.Lock()
		defer s.engine.mu.Unlock()
		return s.engine.clearing != nil
	}, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(s.ctx, 20*time.Millisecond)
	defer cancel()
	s.ErrorIs(s.engine.Start(ctx, track("t2")), context.DeadlineExceeded)

	close(release)
	s.Require().NoError(<-deleted)
}

func (s *EngineSuite) TestUnsubscribeStopsDelivery() {
	listener := &recorder{}
	sub := s.engine.AddListener(listener)
	sub.Unsubscribe()
	sub.Unsubscribe()

	product := track("t1")
	s.fetcher.serve(product.URL, serveBytes(payload(64)))
	s.Require().NoError(s.engine.Start(s.ctx, product))
	s.engine.Wait()

	s.Empty(listener.kinds())
	s.NotEmpty(s.recorder.kinds())
}

// weakListener counts completions and is registered weakly
type weakListener struct {
	ListenerFuncs
	completed *atomic.Int32
}

func newWeakListener(completed *atomic.Int32) *weakListener {
	l := &weakListener{completed: completed}
	l.Completed = func(core.MediaProduct) { completed.Add(1) }
	return l
}

//go:noinline
func registerWeakListener(e *Engine, completed *atomic.Int32) {
	AddWeakListener(e, newWeakListener(completed))
}

func (s *EngineSuite) TestWeakListener() {
	var kept, dropped atomic.Int32
	live := newWeakListener(&kept)
	AddWeakListener(s.engine, live)
	registerWeakListener(s.engine, &dropped)

	runtime.GC()
	runtime.GC()

	product := track("t1")
	s.fetcher.serve(product.URL, serveBytes(payload(64)))
	s.Require().NoError(s.engine.Start(s.ctx, product))
	s.engine.Wait()

	s.Equal(int32(1), kept.Load())
	s.Equal(int32(0), dropped.Load())
	// The recorder and the live weak listener remain registered
	s.Equal(2, s.engine.listeners.len())
	runtime.KeepAlive(live)
}

func (s *EngineSuite) TestPanickingListenerDoesNotStopDelivery() {
	s.engine.AddListener(&ListenerFuncs{Completed: func(core.MediaProduct) { panic("boom") }})
	after := &recorder{}
	s.engine.AddListener(after)

	product := track("t1")
	s.fetcher.serve(product.URL, serveBytes(payload(64)))
	s.Require().NoError(s.engine.Start(s.ctx, product))
	s.engine.Wait()

	s.Len(after.of("completed"), 1)
}

func (s *EngineSuite) TestInvalidProductsAreRejected() {
	err := s.engine.Start(s.ctx, core.MediaProduct{Type: core.ProductTrack, ID: "t1"})
	s.Error(err)

	err = s.engine.Start(s.ctx, core.MediaProduct{
		Type:  core.ProductAlbum,
		ID:    "a1",
		Items: []core.MediaProduct{{Type: core.ProductPlaylist, ID: "p1"}},
	})
	s.Error(err)

	s.Equal(NotRequested, s.state(track("t1")))
}

func (s *EngineSuite) TestClosedEngineRejectsStart() {
	s.Require().NoError(s.engine.Close())
	s.ErrorIs(s.engine.Start(s.ctx, track("t1")), ErrClosed)
	s.NoError(s.engine.Close())
}

func TestStateString(t *testing.T) {
	cases := map[State]string{
		NotRequested: "not_requested",
		Pending:      "pending",
		InProgress:   "in_progress",
		Complete:     "complete",
		Failed:       "failed",
		State(42):    "unknown",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}
