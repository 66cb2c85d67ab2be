package registry

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	internal "github.com/ZanzyTHEbar/pageindex/pidx"
	"github.com/ZanzyTHEbar/pageindex/pidx/db"
	"github.com/ZanzyTHEbar/pageindex/pidx/events"
	"github.com/ZanzyTHEbar/pageindex/pidx/metrics"
	"github.com/ZanzyTHEbar/pageindex/pidx/trees"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"
)

var (
	// ErrReindexing is returned while a rebuild is in flight. Callers should
	// retry shortly.
	ErrReindexing = errors.New("index is being rebuilt, retry shortly")
	// ErrLanguageNotIndexed is returned when a rebuild produced no index for
	// the requested language.
	ErrLanguageNotIndexed = errors.New("language has no page index")
)

// SearchIndex is told which pages to forget when pages are deleted.
type SearchIndex interface {
	RemoveFromIndex(ctx context.Context, pageIDs []uuid.UUID, languageID int) error
}

// NopSearchIndex ignores removals.
type NopSearchIndex struct{}

func (NopSearchIndex) RemoveFromIndex(context.Context, []uuid.UUID, int) error { return nil }

type snapshotMap = map[int]*trees.PageIndex

// Registry holds the installed page index of every language.
//
// Readers load the current snapshot without locking. Writers hold the
// per-language mutex, patch a clone and swap it in, so readers always see
// either the old or the new index. Full rebuilds are additionally guarded
// by a registry-wide flag; a second rebuild is rejected, not queued.
type Registry struct {
	store     db.PageStore
	search    SearchIndex
	notifier  *events.Notifier
	metrics   *metrics.Metrics
	logger    zerolog.Logger
	now       func() time.Time
	indexOpts []trees.IndexOption

	concurrency           int
	retainOnFailedRebuild bool

	snapshots  atomic.Pointer[snapshotMap]
	rebuilding atomic.Bool
	// listed holds the languages the store reported at the last full
	// rebuild; nil until one has listed them.
	listed atomic.Pointer[[]int]

	writersMu sync.Mutex
	writers   map[int]*sync.Mutex
}

// Option configures a Registry.
type Option func(*Registry)

func WithLogger(logger zerolog.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

func WithNotifier(n *events.Notifier) Option {
	return func(r *Registry) {
		if n != nil {
			r.notifier = n
		}
	}
}

func WithSearchIndex(s SearchIndex) Option {
	return func(r *Registry) {
		if s != nil {
			r.search = s
		}
	}
}

// WithBuildConcurrency bounds how many languages are rebuilt at once.
func WithBuildConcurrency(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// WithRetainOnFailedRebuild keeps a language's previous index when its
// rebuild fails. By default the failed language is left without an index.
func WithRetainOnFailedRebuild(retain bool) Option {
	return func(r *Registry) { r.retainOnFailedRebuild = retain }
}

// WithIndexOptions passes options to every index the registry builds.
func WithIndexOptions(opts ...trees.IndexOption) Option {
	return func(r *Registry) { r.indexOpts = append(r.indexOpts, opts...) }
}

// WithClock replaces the time source used for publish-state filters.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// New creates an empty registry. Indexes are built on first access.
func New(store db.PageStore, opts ...Option) *Registry {
	r := &Registry{
		store:       store,
		search:      NopSearchIndex{},
		logger:      internal.GetLogger(),
		now:         time.Now,
		concurrency: internal.DefaultBuildConcurrency,
		writers:     make(map[int]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.notifier == nil {
		r.notifier = events.NewNotifier(r.logger)
	}
	r.logger = r.logger.With().Str("component", "registry").Logger()

	empty := snapshotMap{}
	r.snapshots.Store(&empty)
	return r
}

// Notifier returns the change notifier fired by Upsert and Delete.
func (r *Registry) Notifier() *events.Notifier { return r.notifier }

// Rebuilding reports whether a rebuild is in flight.
func (r *Registry) Rebuilding() bool { return r.rebuilding.Load() }

// Snapshot returns the installed index of a language without triggering a build.
func (r *Registry) Snapshot(languageID int) (*trees.PageIndex, bool) {
	idx, ok := (*r.snapshots.Load())[languageID]
	return idx, ok
}

// Languages lists the languages that currently have an installed index.
func (r *Registry) Languages() []int {
	langs := slices.Collect(maps.Keys(*r.snapshots.Load()))
	slices.Sort(langs)
	return langs
}

// Stats summarizes every installed index.
func (r *Registry) Stats() []trees.IndexStats {
	var stats []trees.IndexStats
	for _, lang := range r.Languages() {
		if idx, ok := r.Snapshot(lang); ok {
			stats = append(stats, idx.Stats())
		}
	}
	return stats
}

// Index returns the installed index of a language. Before any full rebuild
// has listed the store's languages, a miss rebuilds every language. After
// that, a listed language without an index (its last build failed) is
// rebuilt alone and any other language is ErrLanguageNotIndexed without
// touching the store.
func (r *Registry) Index(ctx context.Context, languageID int) (*trees.PageIndex, error) {
	if idx, ok := r.Snapshot(languageID); ok {
		return idx, nil
	}

	var err error
	switch listed := r.listed.Load(); {
	case listed == nil:
		err = r.RebuildAll(ctx)
	case slices.Contains(*listed, languageID):
		err = r.RebuildLanguage(ctx, languageID)
	default:
		return nil, fmt.Errorf("language %d: %w", languageID, ErrLanguageNotIndexed)
	}
	if err != nil {
		return nil, err
	}

	if idx, ok := r.Snapshot(languageID); ok {
		return idx, nil
	}
	return nil, fmt.Errorf("language %d: %w", languageID, ErrLanguageNotIndexed)
}

// RebuildAll rebuilds the index of every language known to the store.
// Languages the store no longer reports are dropped. A call made while
// another rebuild runs returns ErrReindexing immediately.
func (r *Registry) RebuildAll(ctx context.Context) error {
	if !r.rebuilding.CompareAndSwap(false, true) {
		r.metrics.RecordRebuildRejected()
		return ErrReindexing
	}
	defer r.rebuilding.Store(false)

	start := time.Now()
	langs, err := r.store.Languages(ctx)
	if err != nil {
		err = fmt.Errorf("failed to list languages: %w", err)
		r.logger.WithLevel(zerolog.FatalLevel).Err(err).Msg("index rebuild failed")
		return err
	}
	r.listed.Store(&langs)

	p := pool.New().WithMaxGoroutines(r.concurrency).WithContext(ctx)
	for _, lang := range langs {
		p.Go(func(ctx context.Context) error {
			return r.rebuildLanguage(ctx, lang)
		})
	}
	err = p.Wait()

	for _, stale := range r.Languages() {
		if !slices.Contains(langs, stale) {
			r.dropLanguage(stale)
		}
	}

	if err != nil {
		r.logger.WithLevel(zerolog.FatalLevel).Err(err).
			Ints("languages", langs).
			Bool("retained_previous", r.retainOnFailedRebuild).
			Msg("index rebuild failed")
		return err
	}

	r.logger.Info().
		Ints("languages", langs).
		Dur("duration", time.Since(start)).
		Msg("page indexes rebuilt")
	return nil
}

// RebuildLanguage rebuilds one language under the same guard as RebuildAll.
func (r *Registry) RebuildLanguage(ctx context.Context, languageID int) error {
	if !r.rebuilding.CompareAndSwap(false, true) {
		r.metrics.RecordRebuildRejected()
		return ErrReindexing
	}
	defer r.rebuilding.Store(false)

	if err := r.rebuildLanguage(ctx, languageID); err != nil {
		r.logger.WithLevel(zerolog.FatalLevel).Err(err).Int("language_id", languageID).Msg("index rebuild failed")
		return err
	}
	return nil
}

func (r *Registry) rebuildLanguage(ctx context.Context, languageID int) error {
	mu := r.writer(languageID)
	mu.Lock()
	defer mu.Unlock()

	start := time.Now()
	records, err := r.store.PagesForLanguage(ctx, languageID)
	if err != nil {
		r.metrics.RecordRebuild(languageID, time.Since(start), err)
		if !r.retainOnFailedRebuild {
			r.remove(languageID)
			r.metrics.ClearIndexSize(languageID)
		}
		return fmt.Errorf("rebuild language %d: %w", languageID, err)
	}

	idx := trees.Build(languageID, records, r.indexOpts...)
	r.install(languageID, idx)

	r.metrics.RecordRebuild(languageID, time.Since(start), nil)
	r.metrics.SetIndexSize(languageID, idx.Len(), idx.Dropped())

	if idx.Dropped() > 0 {
		r.logger.Warn().
			Int("language_id", languageID).
			Int("dropped", idx.Dropped()).
			Msg("records could not be attached to the page tree")
	}
	r.logger.Debug().
		Int("language_id", languageID).
		Int("pages", idx.Len()).
		Dur("duration", time.Since(start)).
		Msg("language index built")
	return nil
}

// Upsert applies a saved page record to its language's index: an existing
// page is replaced in place, a new one inserted under its parent. When the
// language has no index yet the whole registry is rebuilt instead.
func (r *Registry) Upsert(ctx context.Context, rec trees.PageRecord) error {
	if rec.PageID == uuid.Nil {
		return trees.ErrInvalidPageID
	}

	bootstrapped, err := r.upsert(rec)
	if bootstrapped {
		if err := r.RebuildAll(ctx); err != nil {
			return err
		}
	} else {
		r.metrics.RecordMutation("upsert", err)
		if err != nil {
			return err
		}
	}

	r.notifier.PageSaved(ctx, rec.PageID, rec.LanguageID)
	return nil
}

// upsert patches the language index and reports whether it had none.
func (r *Registry) upsert(rec trees.PageRecord) (bool, error) {
	mu := r.writer(rec.LanguageID)
	mu.Lock()
	defer mu.Unlock()

	cur, ok := r.Snapshot(rec.LanguageID)
	if !ok {
		return true, nil
	}

	next := cur.Clone()
	node := rec.Node()
	var err error
	if _, exists := next.Lookup(rec.PageID); exists {
		err = next.Replace(node)
	} else {
		err = next.Insert(node)
	}
	if err != nil {
		return false, fmt.Errorf("upsert %s in language %d: %w", rec.PageID, rec.LanguageID, err)
	}

	r.install(rec.LanguageID, next)
	r.metrics.SetIndexSize(rec.LanguageID, next.Len(), next.Dropped())
	return false, nil
}

// Save persists a page record through the store and applies the stored
// version to the index.
func (r *Registry) Save(ctx context.Context, rec trees.PageRecord) (trees.PageRecord, error) {
	saved, err := r.store.SavePage(ctx, rec)
	if err != nil {
		return rec, fmt.Errorf("save page %s: %w", rec.PageID, err)
	}
	return saved, r.Upsert(ctx, saved)
}

// Delete removes a page and its descendants from the store and from every
// language index, tells the search index, and fires one PageDeleted event
// for the page with language 0.
func (r *Registry) Delete(ctx context.Context, pageID uuid.UUID) error {
	removed, err := r.store.DeletePage(ctx, pageID)
	if err != nil {
		return fmt.Errorf("delete page %s: %w", pageID, err)
	}

	var searchErrs []error
	for _, lang := range r.Languages() {
		r.deleteFrom(lang, removed)

		if err := r.search.RemoveFromIndex(ctx, removed, lang); err != nil {
			r.logger.Error().Err(err).
				Str("page_id", pageID.String()).
				Int("language_id", lang).
				Msg("search index removal failed")
			searchErrs = append(searchErrs, fmt.Errorf("language %d: %w", lang, err))
		}
	}
	r.metrics.RecordMutation("delete", nil)

	r.notifier.PageDeleted(ctx, pageID, 0)

	if len(searchErrs) > 0 {
		return fmt.Errorf("delete page %s: search index: %w", pageID, errors.Join(searchErrs...))
	}
	return nil
}

func (r *Registry) deleteFrom(languageID int, ids []uuid.UUID) {
	mu := r.writer(languageID)
	mu.Lock()
	defer mu.Unlock()

	cur, ok := r.Snapshot(languageID)
	if !ok || !containsAny(cur, ids) {
		return
	}
	next := cur.Clone()
	next.Delete(ids...)
	r.install(languageID, next)
	r.metrics.SetIndexSize(languageID, next.Len(), next.Dropped())
}

// Move re-parents a page in the store and then in every language index.
// A language whose index lacks the new parent loses the moved subtree until
// its next rebuild, matching what a rebuild would produce.
func (r *Registry) Move(ctx context.Context, pageID, targetParentID uuid.UUID) error {
	if err := r.store.MovePage(ctx, pageID, targetParentID); err != nil {
		r.metrics.RecordMutation("move", err)
		return fmt.Errorf("move page %s: %w", pageID, err)
	}

	var errs []error
	for _, lang := range r.Languages() {
		if err := r.moveIn(lang, pageID, targetParentID); err != nil {
			errs = append(errs, err)
		}
	}
	err := errors.Join(errs...)
	r.metrics.RecordMutation("move", err)
	return err
}

func (r *Registry) moveIn(languageID int, pageID, targetParentID uuid.UUID) error {
	mu := r.writer(languageID)
	mu.Lock()
	defer mu.Unlock()

	cur, ok := r.Snapshot(languageID)
	if !ok {
		return nil
	}
	if _, ok := cur.Lookup(pageID); !ok {
		return nil
	}

	next := cur.Clone()
	err := next.Move(pageID, targetParentID)
	switch {
	case errors.Is(err, trees.ErrParentNotFound):
		orphaned := next.Subtree(pageID, nil)
		ids := make([]uuid.UUID, 0, len(orphaned))
		for _, n := range orphaned {
			ids = append(ids, n.PageID)
		}
		next.Delete(ids...)
		r.logger.Warn().
			Str("page_id", pageID.String()).
			Str("parent_id", targetParentID.String()).
			Int("language_id", languageID).
			Int("removed", len(ids)).
			Msg("moved page has no parent in this language")
	case err != nil:
		return fmt.Errorf("move %s in language %d: %w", pageID, languageID, err)
	}

	r.install(languageID, next)
	r.metrics.SetIndexSize(languageID, next.Len(), next.Dropped())
	return nil
}

// install swaps in idx as the language's snapshot.
func (r *Registry) install(languageID int, idx *trees.PageIndex) {
	r.swap(func(m snapshotMap) { m[languageID] = idx })
}

func (r *Registry) remove(languageID int) {
	r.swap(func(m snapshotMap) { delete(m, languageID) })
}

func (r *Registry) dropLanguage(languageID int) {
	mu := r.writer(languageID)
	mu.Lock()
	defer mu.Unlock()
	r.remove(languageID)
	r.metrics.ClearIndexSize(languageID)
}

func (r *Registry) swap(fn func(m snapshotMap)) {
	for {
		old := r.snapshots.Load()
		next := maps.Clone(*old)
		if next == nil {
			next = snapshotMap{}
		}
		fn(next)
		if r.snapshots.CompareAndSwap(old, &next) {
			return
		}
	}
}

func (r *Registry) writer(languageID int) *sync.Mutex {
	r.writersMu.Lock()
	defer r.writersMu.Unlock()
	mu, ok := r.writers[languageID]
	if !ok {
		mu = &sync.Mutex{}
		r.writers[languageID] = mu
	}
	return mu
}

func containsAny(idx *trees.PageIndex, ids []uuid.UUID) bool {
	for _, id := range ids {
		if _, ok := idx.Lookup(id); ok {
			return true
		}
	}
	return false
}
