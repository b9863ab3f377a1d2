package build

import (
	"context"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/withObsrvr/content-catalog/internal/assetdb"
	"github.com/withObsrvr/content-catalog/internal/contenthash"
	"github.com/withObsrvr/content-catalog/internal/layout"
	"github.com/withObsrvr/content-catalog/internal/logging"
	"github.com/withObsrvr/content-catalog/internal/metrics"
	"github.com/withObsrvr/content-catalog/internal/planner"
	"github.com/withObsrvr/content-catalog/internal/settings"
	"github.com/withObsrvr/content-catalog/internal/storage"
)

const bundleMagic = "CCB1"

// NativeOptions configures a NativeBuilder.
type NativeOptions struct {
	// Store receives bundle files. Nil builds the graph without writing.
	Store          storage.AtomicStore
	Backend        string // storage error metric label
	Mode           string
	Workers        int
	QueueSize      int
	RetryAttempts  int
	RetryBackoffMs int
	Logger         *slog.Logger
}

// NativeBuilder serializes planned bundles in-process using the
// dispatcher → workers → sequencer flow. Workers build and upload bundles
// in parallel; the sequencer publishes them in plan order.
type NativeBuilder struct {
	settings  *settings.Settings
	db        assetdb.Database
	store     storage.AtomicStore
	backend   string
	mode      string
	workers   int
	queueSize int
	maxRetry  int
	backoffMs int
	log       *slog.Logger
}

// NewNativeBuilder creates a builder over the project settings and assets.
func NewNativeBuilder(s *settings.Settings, db assetdb.Database, opts NativeOptions) *NativeBuilder {
	workers := opts.Workers
	if workers < 1 {
		workers = 1
	}
	queueSize := opts.QueueSize
	if queueSize < 1 {
		queueSize = workers * 2
	}
	maxRetry := opts.RetryAttempts
	if maxRetry < 1 {
		maxRetry = 3
	}
	backoffMs := opts.RetryBackoffMs
	if backoffMs < 1 {
		backoffMs = 500
	}
	log := opts.Logger
	if log == nil {
		log = logging.Component("native_build")
	}
	return &NativeBuilder{
		settings:  s,
		db:        db,
		store:     opts.Store,
		backend:   opts.Backend,
		mode:      opts.Mode,
		workers:   workers,
		queueSize: queueSize,
		maxRetry:  maxRetry,
		backoffMs: backoffMs,
		log:       log,
	}
}

// BuildGraph runs the build without writing any file.
func (b *NativeBuilder) BuildGraph(ctx context.Context, plan *planner.Plan) (*layout.Layout, error) {
	out, err := b.run(ctx, plan, nil)
	if err != nil {
		return nil, err
	}
	return out.Layout, nil
}

// Build serializes every planned bundle and publishes it to the store.
func (b *NativeBuilder) Build(ctx context.Context, plan *planner.Plan) (*Output, error) {
	return b.run(ctx, plan, b.store)
}

func (b *NativeBuilder) run(ctx context.Context, plan *planner.Plan, store storage.AtomicStore) (*Output, error) {
	out := &Output{Layout: layout.New()}
	tasks := make([]BundleTask, len(plan.Assignments))
	for i, a := range plan.Assignments {
		tasks[i] = BundleTask{Assignment: a, Index: i, MaxRetry: b.maxRetry}
	}
	if len(tasks) == 0 {
		return out, nil
	}

	b.log.Info("starting native build", "bundles", len(tasks), "workers", b.workers)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	work := make(chan BundleTask, b.queueSize)
	results := make(chan BundleResult, b.queueSize)
	var wg sync.WaitGroup

	// Start worker pool
	for i := 0; i < b.workers; i++ {
		wg.Add(1)
		go b.workerLoop(ctx, i, plan, store, work, results, &wg)
	}

	// Start dispatcher
	errChan := make(chan error, 1)
	go func() {
		errChan <- b.dispatcherLoop(ctx, tasks, work)
	}()

	// Close results when workers finish
	go func() {
		wg.Wait()
		close(results)
	}()

	// Sequencer: publish in order
	if err := b.sequencerLoop(ctx, tasks, results, store, out); err != nil {
		cancel()
		b.drain(results, store)
		return nil, err
	}

	select {
	case err := <-errChan:
		if err != nil {
			return nil, err
		}
	default:
	}
	return out, nil
}

// dispatcherLoop sends bundle tasks to workers.
func (b *NativeBuilder) dispatcherLoop(ctx context.Context, tasks []BundleTask, work chan<- BundleTask) error {
	defer close(work)

	for _, task := range tasks {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case work <- task:
			if m := metrics.Get(); m != nil {
				m.SetWorkerQueueDepth(float64(len(work)))
			}
		}
	}
	return nil
}

// workerLoop processes bundle tasks.
func (b *NativeBuilder) workerLoop(ctx context.Context, workerID int, plan *planner.Plan, store storage.AtomicStore,
	work <-chan BundleTask, results chan<- BundleResult, wg *sync.WaitGroup) {
	defer wg.Done()

	for task := range work {
		if ctx.Err() != nil {
			return
		}
		result := b.processTask(ctx, workerID, plan, store, task)
		select {
		case results <- result:
		case <-ctx.Done():
			b.abort(result, store)
			return
		}
	}
}

// processTask serializes a bundle and uploads it to a temp key.
// Does NOT finalize; that's the sequencer's job.
func (b *NativeBuilder) processTask(ctx context.Context, workerID int, plan *planner.Plan, store storage.AtomicStore, task BundleTask) BundleResult {
	log := logging.WorkerLogger(workerID).With(
		"correlation_id", logging.GenerateCorrelationID(),
		"bundle", task.Assignment.BundleName,
	)
	log.Debug("building bundle", "attempt", task.Attempt+1)

	startTime := time.Now()

	bundle, err := b.buildBundle(task.Assignment, plan)
	if err == nil && store != nil {
		bundle.TempKey, err = store.WriteTemp(ctx, bundle.BuildPath, bundle.Data)
		if m := metrics.Get(); m != nil && err != nil {
			m.IncStorageErrors(b.backend)
		}
	}
	if err != nil {
		if ctx.Err() == nil && task.Attempt < task.MaxRetry-1 {
			log.Warn("bundle build failed, retrying", "error", err)
			if m := metrics.Get(); m != nil {
				m.IncRetryAttempts("bundle_write")
			}

			// Exponential backoff
			backoff := time.Duration(b.backoffMs*(1<<task.Attempt)) * time.Millisecond
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return BundleResult{Task: task, Err: ctx.Err()}
			}

			task.Attempt++
			return b.processTask(ctx, workerID, plan, store, task)
		}
		return BundleResult{
			Task: task,
			Err:  fmt.Errorf("failed after %d attempts: %w", task.Attempt+1, err),
		}
	}

	elapsed := time.Since(startTime)
	log.Debug("bundle built", "duration_ms", elapsed.Milliseconds(), "size", bundle.Size)
	if m := metrics.Get(); m != nil {
		m.ObserveStage("bundle", elapsed.Seconds())
	}
	return BundleResult{Task: task, Bundle: bundle}
}

// buildBundle serializes the explicit assets of a bundle together with the
// dependencies no other bundle holds. Output bytes depend only on the bundle
// name and the content hashes of what it holds.
func (b *NativeBuilder) buildBundle(a planner.BundleAssignment, plan *planner.Plan) (*BuiltBundle, error) {
	g := b.settings.GroupByGUID(a.GroupGUID)
	if g == nil {
		return nil, fmt.Errorf("%w: bundle %s belongs to unknown group %s",
			layout.ErrGraphInconsistency, a.BundleName, a.GroupGUID)
	}

	bundle := &BuiltBundle{
		Name:      a.BundleName,
		GroupGUID: a.GroupGUID,
		FileID:    "CAB-" + contenthash.Sum([]byte(a.BundleName)).String(),
		Explicit:  append([]string(nil), a.AssetGUIDs...),
		BuildID:   uuid.New().String(),
		BuiltAt:   time.Now().UTC(),
	}

	buf := append([]byte(bundleMagic), 0)
	buf = appendString(buf, a.BundleName)
	var body []byte

	seen := make(map[string]bool, len(a.AssetGUIDs))
	for _, guid := range a.AssetGUIDs {
		seen[guid] = true
	}
	addObject := func(guid string) {
		h, ok := b.db.Hash(guid)
		if !ok {
			b.log.Debug("dependency not in asset database, skipping", "guid", guid, "bundle", a.BundleName)
			return
		}
		id := layout.ObjectID{GUID: guid, LocalID: int64(len(bundle.Objects) + 1)}
		bundle.Objects = append(bundle.Objects, id)
		body = appendString(body, guid)
		body = binary.AppendVarint(body, id.LocalID)
		body = append(body, h[:]...)
	}
	addDependency := func(name string) {
		for _, d := range bundle.Dependencies {
			if d == name {
				return
			}
		}
		bundle.Dependencies = append(bundle.Dependencies, name)
	}

	// Dependencies planned into another bundle become bundle references
	// and stop the walk; the rest are pulled in implicitly.
	var walk func(guid string)
	walk = func(guid string) {
		for _, d := range b.db.Dependencies(guid, false) {
			if seen[d] {
				continue
			}
			seen[d] = true
			if other, ok := plan.AssetToBundle[d]; ok {
				if other != a.BundleName {
					addDependency(other)
				}
				continue
			}
			addObject(d)
			walk(d)
		}
	}
	for _, guid := range a.AssetGUIDs {
		addObject(guid)
		walk(guid)
	}

	buf = binary.AppendUvarint(buf, uint64(len(bundle.Objects)))
	buf = append(buf, body...)
	for _, d := range bundle.Dependencies {
		buf = appendString(buf, d)
	}

	bundle.Data = buf
	bundle.Hash = contenthash.Sum(buf)
	bundle.Crc = crc32.ChecksumIEEE(buf)
	bundle.Size = int64(len(buf))
	bundle.FileName = strings.TrimSuffix(a.BundleName, ".bundle") + "_" + bundle.Hash.String() + ".bundle"
	bundle.BuildPath = joinPath(b.settings.BuildPath(g), bundle.FileName)
	bundle.LoadPath = joinPath(b.settings.LoadPath(g), bundle.FileName)
	return bundle, nil
}

func appendString(buf []byte, s string) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(s)))
	return append(buf, s...)
}

func joinPath(root, name string) string {
	if root == "" {
		return name
	}
	return strings.TrimSuffix(root, "/") + "/" + name
}

// sequencerLoop publishes bundles in plan order.
func (b *NativeBuilder) sequencerLoop(ctx context.Context, tasks []BundleTask, results <-chan BundleResult,
	store storage.AtomicStore, out *Output) error {
	next := 0
	pending := make(map[int]*BundleResult)
	fail := func(err error) error {
		for _, p := range pending {
			b.abort(*p, store)
		}
		return err
	}

	for next < len(tasks) {
		select {
		case <-ctx.Done():
			return fail(ctx.Err())

		case result, ok := <-results:
			if !ok {
				return fail(fmt.Errorf("results closed before all bundles published, next=%d", next))
			}
			if result.Err != nil {
				return fail(fmt.Errorf("bundle %s: %w", result.Task.Assignment.BundleName, result.Err))
			}

			pending[result.Task.Index] = &result
			if m := metrics.Get(); m != nil {
				m.SetSequencerPending(float64(len(pending)))
			}

			// Flush in order as far as possible
			for {
				r, ok := pending[next]
				if !ok {
					break
				}
				if err := b.commitBundle(ctx, store, r.Bundle, out); err != nil {
					delete(pending, next)
					return fail(fmt.Errorf("publish bundle %s: %w", r.Bundle.Name, err))
				}
				delete(pending, next)
				next++
			}
		}
	}
	b.log.Info("native build finished", "bundles", len(out.Bundles))
	return nil
}

// commitBundle moves a bundle to its final key and records it in the layout.
func (b *NativeBuilder) commitBundle(ctx context.Context, store storage.AtomicStore, bundle *BuiltBundle, out *Output) error {
	if store != nil {
		if err := store.Finalize(ctx, []storage.Move{{Temp: bundle.TempKey, Final: bundle.BuildPath}}); err != nil {
			return err
		}
		bundle.TempKey = ""
		out.Paths = append(out.Paths, bundle.BuildPath)
		if m := metrics.Get(); m != nil {
			m.AddBundle(b.mode, bundle.Size)
		}
	}

	l := out.Layout
	l.FileToBundle[bundle.FileID] = bundle.Name
	l.FileToObjects[bundle.FileID] = bundle.Objects
	for _, guid := range bundle.Explicit {
		l.AssetToFiles[guid] = append(l.AssetToFiles[guid], bundle.FileID)
	}
	l.Bundles[bundle.Name] = layout.BundleDetails{
		FileName:     bundle.FileName,
		Hash:         bundle.Hash.String(),
		Crc:          bundle.Crc,
		Size:         bundle.Size,
		Dependencies: bundle.Dependencies,
	}
	out.Bundles = append(out.Bundles, bundle)
	return nil
}

// drain waits for the workers to stop and removes their uploads.
func (b *NativeBuilder) drain(results <-chan BundleResult, store storage.AtomicStore) {
	for r := range results {
		b.abort(r, store)
	}
}

func (b *NativeBuilder) abort(r BundleResult, store storage.AtomicStore) {
	if store == nil || r.Bundle == nil || r.Bundle.TempKey == "" {
		return
	}
	if err := store.Abort(context.Background(), []string{r.Bundle.TempKey}); err != nil {
		b.log.Warn("failed to remove temp bundle", "key", r.Bundle.TempKey, "error", err)
	}
}
