// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package playground

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Requester issues compile requests. *Bridge is the production implementation.
type Requester interface {
	Request(ctx context.Context, project Project) *Call
}

// State is the orchestrator's pipeline state.
type State int

const (
	StateIdle State = iota
	StateCompiling
	StateResolving
	StatePreviewing
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCompiling:
		return "compiling"
	case StateResolving:
		return "resolving"
	case StatePreviewing:
		return "previewing"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Observer is notified of pipeline progress. Methods are called without orchestrator locks held
// and must not block.
type Observer interface {
	CompileIssued(seq uint64)
	CompileSettled(seq uint64, elapsed time.Duration, err error)
	ResultDropped(seq uint64)
	PreviewPublished(doc *PreviewDocument, elapsed time.Duration)
}

type nopObserver struct{}

func (nopObserver) CompileIssued(uint64)                             {}
func (nopObserver) CompileSettled(uint64, time.Duration, error)      {}
func (nopObserver) ResultDropped(uint64)                             {}
func (nopObserver) PreviewPublished(*PreviewDocument, time.Duration) {}

// Snapshot is the orchestrator state published to subscribers.
type Snapshot struct {
	Seq         uint64 // latest issued request
	State       State
	Pending     bool             // an edit has not produced an applied result yet
	Document    *PreviewDocument // latest applied preview, nil before the first one
	Result      *CompileResult
	Servable    *ServableProject
	Diagnostics []Diagnostic // compile and resolution diagnostics of the applied result
	Err         error        // worker failure of the latest request
}

// Orchestrator drives the compile and preview pipeline from store edits. Edits are debounced;
// a compile that is overtaken by a newer one is discarded, so only the latest request's result
// is ever applied.
type Orchestrator struct {
	opts     *Options
	store    *FileStore
	bridge   Requester
	resolver *Resolver
	builder  *PreviewBuilder

	issueMu     sync.Mutex // orders snapshot and request across concurrent fires
	mu          sync.Mutex
	ctx         context.Context
	cancel      context.CancelFunc
	timer       *time.Timer
	timerGen    uint64 // identifies the armed timer; bumped whenever it is replaced or stopped
	unsubscribe func()
	started     bool
	closed      bool
	current     Snapshot
	subscribers map[int]func(Snapshot)
	nextID      int
	outbox      []Snapshot
	notify      chan struct{}
	wg          sync.WaitGroup
}

// NewOrchestrator wires store changes to bridge requests. Call Start to begin.
func NewOrchestrator(store *FileStore, bridge Requester, opts ...OptionFunc) *Orchestrator {
	o := newOptions()
	for _, fn := range opts {
		fn(o)
	}
	resolverOptions := append([]ResolverOption{WithResolverLogger(o.logger)}, o.resolverOptions...)
	builderOptions := append([]BuilderOption{WithEntry(o.entry), WithBuilderLogger(o.logger)}, o.builderOptions...)
	return &Orchestrator{
		opts:        o,
		store:       store,
		bridge:      bridge,
		resolver:    NewResolver(resolverOptions...),
		builder:     NewPreviewBuilder(builderOptions...),
		subscribers: make(map[int]func(Snapshot)),
		notify:      make(chan struct{}, 1),
	}
}

// InstanceID returns the id that scopes this orchestrator's preview addresses.
func (o *Orchestrator) InstanceID() string {
	return o.resolver.InstanceID()
}

// BaseURL returns the address prefix of every preview resource.
func (o *Orchestrator) BaseURL() string {
	return o.resolver.BaseURL()
}

// Store returns the file store the orchestrator watches.
func (o *Orchestrator) Store() *FileStore {
	return o.store
}

// Start subscribes to the store and issues the initial compile. The orchestrator stops when
// ctx is done or Close is called.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrClosed
	}
	if o.started {
		o.mu.Unlock()
		return errors.New("orchestrator already started")
	}
	o.started = true
	o.ctx, o.cancel = context.WithCancel(ctx)
	o.unsubscribe = o.store.Subscribe(o.onChange)
	o.wg.Add(1)
	go o.dispatch()
	o.mu.Unlock()

	o.opts.logger.Info("Orchestrator started", "instance", o.InstanceID(), "debounce", o.opts.debounce)
	o.Rebuild()
	return nil
}

// Close stops the orchestrator and waits for its goroutines. In-flight compiles are discarded.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	o.stopTimerLocked()
	if o.unsubscribe != nil {
		o.unsubscribe()
	}
	if o.cancel != nil {
		o.cancel()
	}
	o.mu.Unlock()

	o.wg.Wait()
	return nil
}

// Subscribe registers fn for every published snapshot, in publication order, and returns a
// function that removes it. fn runs on the orchestrator's dispatch goroutine.
func (o *Orchestrator) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	o.mu.Lock()
	id := o.nextID
	o.nextID++
	o.subscribers[id] = fn
	o.mu.Unlock()

	return func() {
		o.mu.Lock()
		delete(o.subscribers, id)
		o.mu.Unlock()
	}
}

// Current returns the latest snapshot.
func (o *Orchestrator) Current() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current
}

// Rebuild issues a compile immediately, cancelling any armed debounce.
func (o *Orchestrator) Rebuild() {
	o.mu.Lock()
	o.stopTimerLocked()
	o.mu.Unlock()
	o.fire()
}

// stopTimerLocked disarms the debounce. A callback already running sees a newer generation
// and does nothing. o.mu must be held.
func (o *Orchestrator) stopTimerLocked() {
	if o.timer != nil {
		o.timer.Stop()
		o.timer = nil
	}
	o.timerGen++
}

// onChange re-arms the debounce on every store mutation.
func (o *Orchestrator) onChange(ev ChangeEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed || !o.started {
		return
	}
	o.opts.logger.Debug("Project changed", "kind", ev.Kind, "file", ev.Name)
	o.stopTimerLocked()
	gen := o.timerGen
	o.timer = time.AfterFunc(o.opts.debounce, func() { o.fireTimer(gen) })
	if !o.current.Pending {
		o.current.Pending = true
		o.publishLocked()
	}
}

// fireTimer runs when the debounce timer of generation gen expires.
func (o *Orchestrator) fireTimer(gen uint64) {
	o.mu.Lock()
	if gen != o.timerGen {
		// Replaced or stopped while the callback was starting.
		o.mu.Unlock()
		return
	}
	o.timer = nil
	o.mu.Unlock()
	o.fire()
}

// fire snapshots the store and issues a superseding compile request. The request is issued
// without o.mu held since the bridge may start a worker first.
func (o *Orchestrator) fire() {
	o.mu.Lock()
	if o.closed || !o.started || o.ctx.Err() != nil {
		o.mu.Unlock()
		return
	}
	ctx := o.ctx
	o.mu.Unlock()

	o.issueMu.Lock()
	project := o.store.GetFiles()
	call := o.bridge.Request(ctx, project)
	o.issueMu.Unlock()

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	if call.Seq > o.current.Seq {
		// Otherwise a concurrent fire published a newer request first and await drops this one.
		o.current.Seq = call.Seq
		o.current.State = StateCompiling
		o.current.Pending = true
		o.publishLocked()
	}
	o.wg.Add(1)
	o.mu.Unlock()

	o.opts.logger.Debug("Compile issued", "seq", call.Seq, "files", len(project))
	o.opts.observer.CompileIssued(call.Seq)
	go o.await(call, project, time.Now())
}

// await applies call's outcome if it is still the latest request.
func (o *Orchestrator) await(call *Call, project Project, started time.Time) {
	defer o.wg.Done()

	result, err := call.Wait(o.ctx)
	o.opts.observer.CompileSettled(call.Seq, time.Since(started), err)
	if errors.Is(err, ErrSuperseded) || o.ctx.Err() != nil {
		o.drop(call.Seq)
		return
	}
	if err != nil {
		o.mu.Lock()
		if o.current.Seq != call.Seq {
			o.mu.Unlock()
			o.drop(call.Seq)
			return
		}
		o.current.State = StateFailed
		o.current.Err = err
		o.current.Document = o.builder.Failure(o.current.Document, o.InstanceID(), o.BaseURL(), o.opts.entry, err)
		o.current.Document.Seq = call.Seq
		o.current.Pending = o.timer != nil
		o.publishLocked()
		o.mu.Unlock()
		o.opts.logger.Error("Compile failed", "seq", call.Seq, "error", err)
		return
	}
	if result.Seq != call.Seq {
		o.opts.logger.Warn("Compile result carries a foreign sequence number", "seq", call.Seq, "resultSeq", result.Seq)
		o.drop(call.Seq)
		return
	}

	if !o.advance(call.Seq, StateResolving) {
		o.drop(call.Seq)
		return
	}
	servable := o.resolver.Resolve(result, project)
	doc := o.builder.Build(servable, o.opts.entry)
	doc.Seq = call.Seq

	o.mu.Lock()
	if o.current.Seq != call.Seq || o.closed {
		o.mu.Unlock()
		o.drop(call.Seq)
		return
	}
	o.current.Result = result
	o.current.Servable = servable
	o.current.Document = doc
	o.current.Err = nil
	o.current.Diagnostics = append(result.Diagnostics(), servable.Errors...)
	o.current.State = StatePreviewing
	if doc.Blocked {
		o.current.State = StateFailed
	}
	o.current.Pending = o.timer != nil
	o.publishLocked()
	o.mu.Unlock()

	o.opts.logger.Info("Preview updated", "seq", call.Seq, "entry", doc.Entry, "blocked", doc.Blocked, "diagnostics", len(doc.Diagnostics))
	o.opts.observer.PreviewPublished(doc, time.Since(started))
}

// advance moves to state if seq is still the latest request.
func (o *Orchestrator) advance(seq uint64, state State) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current.Seq != seq || o.closed {
		return false
	}
	o.current.State = state
	o.publishLocked()
	return true
}

func (o *Orchestrator) drop(seq uint64) {
	o.opts.logger.Debug("Discarding stale compile", "seq", seq)
	o.opts.observer.ResultDropped(seq)
}

// publishLocked queues the current snapshot for delivery. o.mu must be held.
func (o *Orchestrator) publishLocked() {
	o.outbox = append(o.outbox, o.current)
	select {
	case o.notify <- struct{}{}:
	default:
	}
}

// dispatch delivers queued snapshots in order, outside the orchestrator lock.
func (o *Orchestrator) dispatch() {
	defer o.wg.Done()
	for {
		select {
		case <-o.notify:
		case <-o.ctx.Done():
			return
		}

		o.mu.Lock()
		batch := o.outbox
		o.outbox = nil
		subscribers := make([]func(Snapshot), 0, len(o.subscribers))
		for id := 0; id < o.nextID; id++ {
			if fn, ok := o.subscribers[id]; ok {
				subscribers = append(subscribers, fn)
			}
		}
		o.mu.Unlock()

		for _, s := range batch {
			for _, processor := range o.opts.snapshotProcessors {
				processor(s)
			}
			for _, fn := range subscribers {
				fn(s)
			}
		}
	}
}
