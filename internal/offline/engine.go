package offline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"weak"

	"golang.org/x/sync/semaphore"

	"github.com/sho7650/media-offline/internal/core"
	"github.com/sho7650/media-offline/internal/download"
	"github.com/sho7650/media-offline/internal/storage"
)

// DefaultWorkers is the number of concurrent item downloads
const DefaultWorkers = 4

// Options configures an Engine
type Options struct {
	Workers int64
	Logger  *slog.Logger
}

// Engine drives media products through the offline state machine. It owns
// one job per product, bounds concurrent downloads and reports transitions
// to registered listeners.
type Engine struct {
	store      storage.OfflineStorage
	downloader *download.Downloader
	workers    *semaphore.Weighted
	logger     *slog.Logger

	listeners  *registry
	dispatcher *dispatcher

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	jobs   map[string]*job
	leaves map[string]chan struct{}
	// clearing is closed when the running DeleteAll finishes; nil otherwise
	clearing chan struct{}
	closed   bool
	wg       sync.WaitGroup
}

// job is one active Start of a product
type job struct {
	product core.MediaProduct
	cancel  context.CancelFunc
	done    chan struct{}
	state   atomic.Int32
	started sync.Once
}

// NewEngine creates an Engine over store, downloading through downloader
func NewEngine(store storage.OfflineStorage, downloader *download.Downloader, opts Options) *Engine {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	logger := opts.Logger.With("component", "offline-engine")

	ctx, cancel := context.WithCancel(context.Background())
	listeners := newRegistry()
	return &Engine{
		store:      store,
		downloader: downloader,
		workers:    semaphore.NewWeighted(opts.Workers),
		logger:     logger,
		listeners:  listeners,
		dispatcher: newDispatcher(listeners, logger),
		ctx:        ctx,
		cancel:     cancel,
		jobs:       make(map[string]*job),
		leaves:     make(map[string]chan struct{}),
	}
}

// AddListener registers l until the returned subscription is unsubscribed
func (e *Engine) AddListener(l Listener) *Subscription {
	return e.listeners.add(strongRef{listener: l})
}

// AddWeakListener registers l without keeping it reachable. Once l is
// garbage collected it silently stops receiving notifications.
func AddWeakListener[T any, PT interface {
	*T
	Listener
}](e *Engine, l PT) *Subscription {
	return e.listeners.add(weakRef[T, PT]{pointer: weak.Make((*T)(l))})
}

// Start takes product offline in the background. It returns
// ErrAlreadyInProgress while a job for the same product is active. A Start
// issued during DeleteAll waits for it to finish.
func (e *Engine) Start(ctx context.Context, product core.MediaProduct) error {
	if err := product.Validate(); err != nil {
		return err
	}

	if err := e.lockIdle(ctx); err != nil {
		return err
	}
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if _, ok := e.jobs[product.Key()]; ok {
		e.mu.Unlock()
		return ErrAlreadyInProgress
	}
	jobCtx, cancel := context.WithCancel(e.ctx)
	j := &job{product: product, cancel: cancel, done: make(chan struct{})}
	j.state.Store(int32(Pending))
	e.jobs[product.Key()] = j
	e.wg.Add(1)
	e.mu.Unlock()

	if err := e.persist(ctx, product); err != nil {
		e.finish(j)
		return fmt.Errorf("failed to register %s: %w", product, err)
	}

	e.logger.Info("offlining requested", "product", product.Key(), "items", len(product.Items))
	go e.run(jobCtx, j)
	return nil
}

// Cancel stops the active job for product. It reports whether a job was
// running. The catalog keeps the checkpoint for a later Start.
func (e *Engine) Cancel(product core.MediaProduct) bool {
	e.mu.Lock()
	j, ok := e.jobs[product.Key()]
	e.mu.Unlock()
	if !ok {
		return false
	}
	j.cancel()
	return true
}

// Delete cancels any active job for product and removes it from the
// catalog together with the descendants nothing else keeps offline
func (e *Engine) Delete(ctx context.Context, product core.MediaProduct) error {
	if err := e.stop(ctx, product.Key()); err != nil {
		return err
	}

	if !product.Type.IsCollection() {
		release, err := e.claim(ctx, product.Key())
		if err != nil {
			return err
		}
		defer release()
	}

	item, err := e.store.GetItemByProduct(ctx, string(product.Type), product.ID)
	if err != nil {
		return err
	}
	if item == nil {
		return fmt.Errorf("%s is not offline: %w", product, storage.ErrNotFound)
	}

	deleted, err := e.store.DeleteSubtree(ctx, item.ID)
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", product, err)
	}

	for _, removed := range deleted {
		removedProduct := productFromItem(removed)
		e.dispatcher.notify("offlined-deleted", func(l Listener) { l.OfflinedDeleted(removedProduct) })
	}
	e.logger.Info("offline product deleted", "product", product.Key(), "items", len(deleted))
	return nil
}

// DeleteAll cancels every job and empties the catalog. New jobs are held
// back until it returns.
func (e *Engine) DeleteAll(ctx context.Context) error {
	if err := e.lockIdle(ctx); err != nil {
		return err
	}
	clearing := make(chan struct{})
	e.clearing = clearing
	active := make([]*job, 0, len(e.jobs))
	for _, j := range e.jobs {
		active = append(active, j)
	}
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.clearing = nil
		e.mu.Unlock()
		close(clearing)
	}()

	for _, j := range active {
		j.cancel()
	}
	for _, j := range active {
		select {
		case <-j.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err := e.store.DeleteAll(ctx); err != nil {
		return fmt.Errorf("failed to delete offline products: %w", err)
	}

	e.dispatcher.notify("all-offlined-deleted", func(l Listener) { l.AllOfflinedMediaProductsDeleted() })
	e.logger.Info("all offline products deleted")
	return nil
}

// State reports where product is in the offline lifecycle
func (e *Engine) State(ctx context.Context, product core.MediaProduct) (State, error) {
	e.mu.Lock()
	j, ok := e.jobs[product.Key()]
	e.mu.Unlock()
	if ok {
		return State(j.state.Load()), nil
	}

	item, err := e.store.GetItemByProduct(ctx, string(product.Type), product.ID)
	if err != nil {
		return NotRequested, err
	}
	return stateFromItem(item), nil
}

// ResumeInterrupted restarts requested products a previous process left
// pending or in progress. It returns the number of jobs started.
func (e *Engine) ResumeInterrupted(ctx context.Context) (int, error) {
	requested := true
	var interrupted []*storage.Item
	for _, state := range []storage.ItemState{storage.StatePending, storage.StateInProgress} {
		items, err := e.store.ListItems(ctx, storage.ItemQuery{State: state, Requested: &requested})
		if err != nil {
			return 0, err
		}
		interrupted = append(interrupted, items...)
	}

	started := 0
	var errs []error
	for _, item := range interrupted {
		product, err := e.rebuild(ctx, item)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		err = e.Start(ctx, product)
		switch {
		case errors.Is(err, ErrAlreadyInProgress):
		case err != nil:
			errs = append(errs, err)
		default:
			started++
		}
	}

	if started > 0 {
		e.logger.Info("resumed interrupted offlining", "jobs", started)
	}
	return started, errors.Join(errs...)
}

// lockIdle acquires e.mu once no DeleteAll is running
func (e *Engine) lockIdle(ctx context.Context) error {
	for {
		e.mu.Lock()
		clearing := e.clearing
		if clearing == nil {
			return nil
		}
		e.mu.Unlock()

		select {
		case <-clearing:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Wait blocks until every active job has finished and its notifications
// have been delivered
func (e *Engine) Wait() {
	e.wg.Wait()
	e.dispatcher.flush()
}

// Close cancels every job, waits for them and stops notification delivery
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()
	e.dispatcher.close()
	return nil
}

// persist creates or refreshes the catalog rows for product so that
// State reports Pending as soon as Start returns
func (e *Engine) persist(ctx context.Context, product core.MediaProduct) error {
	root, err := e.ensureRow(ctx, product, true)
	if err != nil {
		return err
	}
	if !product.Type.IsCollection() {
		return nil
	}

	members := make(map[string]bool, len(product.Items))
	for position, child := range product.Items {
		row, err := e.ensureRow(ctx, child, false)
		if err != nil {
			return err
		}
		members[row.ID] = true

		err = e.store.AddRelationship(ctx, storage.Relationship{ParentID: root.ID, ChildID: row.ID, Position: position})
		if err != nil && !errors.Is(err, storage.ErrDuplicateKey) {
			return err
		}
	}

	existing, err := e.store.Children(ctx, root.ID)
	if err != nil {
		return err
	}
	for _, child := range existing {
		if members[child.ID] {
			continue
		}
		if err := e.store.RemoveRelationship(ctx, root.ID, child.ID); err != nil {
			return err
		}
	}
	return nil
}

// ensureRow returns the row for product, creating it when missing. A
// requested product is marked requested on an existing row; a failed
// product goes back to pending.
func (e *Engine) ensureRow(ctx context.Context, product core.MediaProduct, requested bool) (*storage.Item, error) {
	item, err := e.store.GetItemByProduct(ctx, string(product.Type), product.ID)
	if err != nil {
		return nil, err
	}

	if item == nil {
		item = &storage.Item{
			ProductID:   product.ID,
			ProductType: string(product.Type),
			SourceURL:   product.URL,
			State:       storage.StatePending,
			Requested:   requested,
		}
		err := e.store.CreateItem(ctx, item)
		if errors.Is(err, storage.ErrDuplicateKey) {
			return e.ensureRow(ctx, product, requested)
		}
		return item, err
	}

	changed := false
	if requested && !item.Requested {
		item.Requested = true
		changed = true
	}
	if item.State == storage.StateFailed {
		item.State = storage.StatePending
		item.LastError = ""
		changed = true
	}
	if changed {
		if err := e.store.UpdateItem(ctx, item); err != nil {
			return nil, err
		}
	}
	return item, nil
}

func (e *Engine) run(ctx context.Context, j *job) {
	defer e.finish(j)

	product := j.product
	var err error
	if product.Type.IsCollection() {
		err = e.runCollection(ctx, j)
	} else {
		err = e.offlineItem(ctx, product, func() { j.begin(e, nil) }, func(pct float64) {
			e.dispatcher.notify("offlining-progressed", func(l Listener) { l.OffliningProgressed(product, pct) })
		})
	}

	switch {
	case err == nil:
		j.state.Store(int32(Complete))
		e.logger.Info("offlining complete", "product", product.Key())
		e.dispatcher.notify("offlining-completed", func(l Listener) { l.OffliningCompleted(product) })
	case ctx.Err() != nil:
		err = fmt.Errorf("%w: %w", ErrCancelled, err)
		e.logger.Info("offlining cancelled", "product", product.Key())
		e.dispatcher.notify("offlining-failed", func(l Listener) { l.OffliningFailed(product, err) })
	default:
		j.state.Store(int32(Failed))
		e.logger.Error("offlining failed", "product", product.Key(), "error", err)
		e.dispatcher.notify("offlining-failed", func(l Listener) { l.OffliningFailed(product, err) })
	}
}

// runCollection downloads the children of a collection in order and
// settles the parent row from their outcome
func (e *Engine) runCollection(ctx context.Context, j *job) error {
	product := j.product
	parent, err := e.store.GetItemByProduct(ctx, string(product.Type), product.ID)
	if err != nil {
		return err
	}
	if parent == nil {
		return fmt.Errorf("%s vanished from the catalog: %w", product, storage.ErrNotFound)
	}

	total := float64(len(product.Items))
	for i, child := range product.Items {
		done := float64(i)
		err := e.offlineItem(ctx, child, func() { j.begin(e, parent) }, func(pct float64) {
			overall := (done + pct/100) / total * 100
			e.dispatcher.notify("offlining-progressed", func(l Listener) { l.OffliningProgressed(product, overall) })
		})
		if err != nil {
			if ctx.Err() == nil {
				cause := fmt.Errorf("failed to offline %s: %w", child, err)
				if markErr := e.store.MarkState(context.WithoutCancel(ctx), parent.ID, storage.StateFailed, cause); markErr != nil {
					return errors.Join(cause, markErr)
				}
				return cause
			}
			return err
		}
	}

	if len(product.Items) == 0 {
		j.begin(e, parent)
	}
	return e.store.MarkState(context.WithoutCancel(ctx), parent.ID, storage.StateComplete, nil)
}

// offlineItem downloads one non-collection product once it holds both the
// item claim and a worker slot. onStart runs after the slot is acquired.
func (e *Engine) offlineItem(ctx context.Context, product core.MediaProduct, onStart func(), progress func(float64)) error {
	release, err := e.claim(ctx, product.Key())
	if err != nil {
		return err
	}
	defer release()

	if err := e.workers.Acquire(ctx, 1); err != nil {
		return err
	}
	defer e.workers.Release(1)

	onStart()

	var result error
	for ev := range e.downloader.Download(ctx, product) {
		switch ev := ev.(type) {
		case download.Progress:
			progress(ev.Percentage())
		case download.Retrying:
			e.logger.Debug("item download retrying", "product", product.Key(), "attempt", ev.Attempt, "delay", ev.Delay)
		case download.Success:
			progress(100)
			result = nil
		case download.Failure:
			result = ev.Err
		}
	}
	return result
}

// begin moves the job to InProgress on its first worker slot
func (j *job) begin(e *Engine, parent *storage.Item) {
	j.started.Do(func() {
		j.state.Store(int32(InProgress))
		if parent != nil {
			if err := e.store.MarkState(e.ctx, parent.ID, storage.StateInProgress, nil); err != nil {
				e.logger.Warn("failed to mark collection in progress", "product", j.product.Key(), "error", err)
			}
		}
		product := j.product
		e.dispatcher.notify("offlining-started", func(l Listener) { l.OffliningStarted(product) })
	})
}

// claim gives the caller exclusive use of a non-collection item. It waits
// while another job is downloading the same item.
func (e *Engine) claim(ctx context.Context, key string) (func(), error) {
	for {
		e.mu.Lock()
		held, busy := e.leaves[key]
		if !busy {
			released := make(chan struct{})
			e.leaves[key] = released
			e.mu.Unlock()
			return func() {
				e.mu.Lock()
				delete(e.leaves, key)
				e.mu.Unlock()
				close(released)
			}, nil
		}
		e.mu.Unlock()

		select {
		case <-held:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// stop cancels the job for key and waits until it has finished
func (e *Engine) stop(ctx context.Context, key string) error {
	e.mu.Lock()
	j, ok := e.jobs[key]
	e.mu.Unlock()
	if !ok {
		return nil
	}

	j.cancel()
	select {
	case <-j.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) finish(j *job) {
	e.mu.Lock()
	if e.jobs[j.product.Key()] == j {
		delete(e.jobs, j.product.Key())
	}
	e.mu.Unlock()

	j.cancel()
	close(j.done)
	e.wg.Done()
}

// rebuild reconstructs the product of a catalog row, including the
// children of a collection in order
func (e *Engine) rebuild(ctx context.Context, item *storage.Item) (core.MediaProduct, error) {
	product := productFromItem(item)
	if !product.Type.IsCollection() {
		return product, nil
	}

	children, err := e.store.Children(ctx, item.ID)
	if err != nil {
		return product, err
	}
	for _, child := range children {
		product.Items = append(product.Items, productFromItem(child))
	}
	return product, nil
}

func productFromItem(item *storage.Item) core.MediaProduct {
	return core.MediaProduct{
		Type: core.ProductType(item.ProductType),
		ID:   item.ProductID,
		URL:  item.SourceURL,
	}
}
