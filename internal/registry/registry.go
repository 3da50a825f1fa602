// Package registry maps queue names to queue instances.
//
// A Registry is an explicit object owned by the caller; nothing in retryq
// keeps a process-wide queue table.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"retryq/internal/queue"
	"retryq/internal/storage"
	logx "retryq/pkg/logx"
)

const DefaultPrefix = "retryq:"

var (
	ErrInvalidName = errors.New("registry: invalid queue name")
	ErrUnknown     = errors.New("registry: unknown queue")
)

// Options configures a Registry.
type Options[T any] struct {
	// Base applies to every queue without an override.
	Base queue.Config
	// Overrides holds complete per-name configs.
	Overrides map[string]queue.Config
	// Store backs persistent queues. Nil makes persistent queues a config
	// error.
	Store storage.Store
	// Prefix is prepended to queue names to form storage keys.
	Prefix string
	// Processor is installed on every queue the registry creates.
	Processor queue.Processor[T]
	// Strict refuses names that were not configured via Overrides.
	Strict bool
	Log    logx.Logger
}

// Info is one row of Registry.Snapshot.
type Info struct {
	Name  string      `json:"name"`
	Stats queue.Stats `json:"stats"`
}

type Registry[T any] struct {
	log logx.Logger

	mu        sync.Mutex
	base      queue.Config
	overrides map[string]queue.Config
	store     storage.Store
	prefix    string
	proc      queue.Processor[T]
	strict    bool
	queues    map[string]*queue.Queue[T]
	gen       uint64

	runCtx  context.Context
	running bool
}

func New[T any](opts Options[T]) *Registry[T] {
	log := opts.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Registry[T]{
		log:       log.With(logx.String("comp", "registry")),
		base:      opts.Base,
		overrides: copyOverrides(opts.Overrides),
		store:     opts.Store,
		prefix:    prefix,
		proc:      opts.Processor,
		strict:    opts.Strict,
		queues:    map[string]*queue.Queue[T]{},
	}
}

func copyOverrides(in map[string]queue.Config) map[string]queue.Config {
	out := make(map[string]queue.Config, len(in))
	for k, v := range in {
		out[strings.TrimSpace(k)] = v
	}
	return out
}

// ValidName reports whether name can be used as a queue name: 1-128 chars of
// letters, digits, '-', '_' or '.'.
func ValidName(name string) bool {
	if name == "" || len(name) > 128 {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
		default:
			return false
		}
	}
	return true
}

// StorageKey is the key a persistent queue called name is stored under,
// unless its config sets StorageKey explicitly.
func (r *Registry[T]) StorageKey(name string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.storageKeyLocked(name, r.configLocked(name))
}

func (r *Registry[T]) storageKeyLocked(name string, cfg queue.Config) string {
	if k := strings.TrimSpace(cfg.StorageKey); k != "" {
		return k
	}
	return r.prefix + name
}

func (r *Registry[T]) configLocked(name string) queue.Config {
	if cfg, ok := r.overrides[name]; ok {
		return cfg
	}
	return r.base
}

// Get returns the queue called name, creating it on first use. A created
// queue is started right away if the registry is running. The queue is built
// (and its backlog restored) without holding the registry lock; if two
// callers race, the first insert wins and the other queue is dropped unstarted.
func (r *Registry[T]) Get(name string) (*queue.Queue[T], error) {
	name = strings.TrimSpace(name)
	if !ValidName(name) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}

	r.mu.Lock()
	if q, ok := r.queues[name]; ok {
		r.mu.Unlock()
		return q, nil
	}
	if _, ok := r.overrides[name]; r.strict && !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", ErrUnknown, name)
	}
	cfg := r.configLocked(name)
	key := r.storageKeyLocked(name, cfg)
	gen := r.gen
	store := r.store
	r.mu.Unlock()

	cfg.StorageKey = key
	var p queue.Persister[T]
	if cfg.Persistent && store != nil {
		p = queue.NewStoragePersister[T](store, key)
	}
	built, err := queue.New[T](cfg, r.log.With(logx.String("queue", name)), p)
	if err != nil {
		return nil, fmt.Errorf("queue %q: %w", name, err)
	}

	r.mu.Lock()
	if q, ok := r.queues[name]; ok {
		r.mu.Unlock()
		return q, nil
	}
	if r.proc != nil {
		built.SetProcessor(r.proc)
	}
	r.queues[name] = built
	var reapply *queue.Config
	if r.gen != gen {
		// Configure ran while the queue was being built.
		c := r.configLocked(name)
		reapply = &c
	}
	running, ctx := r.running, r.runCtx
	r.mu.Unlock()

	if reapply != nil {
		if err := built.Apply(*reapply); err != nil {
			r.log.Warn("queue config apply failed", logx.String("queue", name), logx.Err(err))
		}
	}
	r.log.Debug("queue created", logx.String("queue", name), logx.Bool("persistent", cfg.Persistent))
	if running {
		built.Start(ctx)
	}
	return built, nil
}

// Lookup returns an existing queue without creating it.
func (r *Registry[T]) Lookup(name string) (*queue.Queue[T], bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.queues[strings.TrimSpace(name)]
	return q, ok
}

// Names returns the names of all created queues, sorted.
func (r *Registry[T]) Names() []string {
	r.mu.Lock()
	out := make([]string, 0, len(r.queues))
	for name := range r.queues {
		out = append(out, name)
	}
	r.mu.Unlock()
	sort.Strings(out)
	return out
}

// Snapshot returns the stats of every created queue, sorted by name.
func (r *Registry[T]) Snapshot() []Info {
	names := r.Names()
	out := make([]Info, 0, len(names))
	for _, name := range names {
		if q, ok := r.Lookup(name); ok {
			out = append(out, Info{Name: name, Stats: q.Stats()})
		}
	}
	return out
}

// Submit adds payload to the queue called name.
func (r *Registry[T]) Submit(ctx context.Context, name string, payload T, opts queue.AddOptions) (string, error) {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return "", err
		}
	}
	q, err := r.Get(name)
	if err != nil {
		return "", err
	}
	return q.Add(payload, opts)
}

// SetProcessor replaces the processor on every queue, present and future.
func (r *Registry[T]) SetProcessor(fn queue.Processor[T]) {
	r.mu.Lock()
	r.proc = fn
	qs := r.listLocked()
	r.mu.Unlock()
	for _, q := range qs {
		q.SetProcessor(fn)
	}
}

// Configure swaps the base config and overrides. Every config is validated
// before anything changes; existing queues pick up their new settings via
// Queue.Apply.
func (r *Registry[T]) Configure(base queue.Config, overrides map[string]queue.Config) error {
	if err := base.Validate(); err != nil {
		return fmt.Errorf("base: %w", err)
	}
	for name, cfg := range overrides {
		if !ValidName(strings.TrimSpace(name)) {
			return fmt.Errorf("%w: %q", ErrInvalidName, name)
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("queue %q: %w", name, err)
		}
	}

	r.mu.Lock()
	r.base = base
	r.overrides = copyOverrides(overrides)
	r.gen++
	type pending struct {
		name string
		q    *queue.Queue[T]
		cfg  queue.Config
	}
	apply := make([]pending, 0, len(r.queues))
	for name, q := range r.queues {
		apply = append(apply, pending{name: name, q: q, cfg: r.configLocked(name)})
	}
	r.mu.Unlock()

	var errs []error
	for _, p := range apply {
		if err := p.q.Apply(p.cfg); err != nil {
			errs = append(errs, fmt.Errorf("queue %q: %w", p.name, err))
		}
	}
	return errors.Join(errs...)
}

// Start starts every queue and any queue created afterwards.
func (r *Registry[T]) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.runCtx = ctx
	qs := r.listLocked()
	r.mu.Unlock()

	for _, q := range qs {
		q.Start(ctx)
	}
	r.log.Info("registry started", logx.Int("queues", len(qs)))
}

// Stop stops every queue, sharing ctx as the overall deadline.
func (r *Registry[T]) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	r.mu.Lock()
	r.running = false
	r.runCtx = nil
	qs := r.listLocked()
	r.mu.Unlock()

	var (
		wg   sync.WaitGroup
		emu  sync.Mutex
		errs []error
	)
	for _, q := range qs {
		wg.Add(1)
		go func(q *queue.Queue[T]) {
			defer wg.Done()
			if err := q.Stop(ctx); err != nil {
				emu.Lock()
				errs = append(errs, err)
				emu.Unlock()
			}
		}(q)
	}
	wg.Wait()
	r.log.Info("registry stopped", logx.Int("queues", len(qs)))
	return errors.Join(errs...)
}

func (r *Registry[T]) listLocked() []*queue.Queue[T] {
	out := make([]*queue.Queue[T], 0, len(r.queues))
	for _, q := range r.queues {
		out = append(out, q)
	}
	return out
}
