package device

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"

	"github.com/dyluth/secontrol/pkg/bus"
)

// GridState is the last known index entry and gridinfo document of a grid.
type GridState struct {
	GridInfo
	Info map[string]any `json:"info,omitempty"`
}

// DisplayName prefers the gridinfo name over the index entry and falls back
// to "Grid_<id>".
func (s GridState) DisplayName() string {
	for _, fields := range []map[string]any{s.Info, s.Raw} {
		if name := firstString(bus.Snapshot{Fields: fields}, "name", "gridName", "displayName", "DisplayName"); name != "" {
			return name
		}
	}
	return "Grid_" + s.ID
}

func (s *GridState) clone() GridState {
	out := *s
	out.Raw = bus.Snapshot{Fields: s.Raw}.Clone().Fields
	out.Info = bus.Snapshot{Fields: s.Info}.Clone().Fields
	return out
}

// GridHandlers receive grid index changes. Nil handlers are skipped.
type GridHandlers struct {
	Added   func(GridState)
	Updated func(GridState)
	Removed func(GridState)
}

// GridWatcher follows an owner's grid index and the gridinfo document of
// every grid it lists. Handlers run on the watcher's own goroutine, one at a
// time; they must not call Close.
type GridWatcher struct {
	conn     *bus.Conn
	ownerID  string
	handlers GridHandlers
	logger   *slog.Logger

	mu          sync.Mutex
	states      map[string]*GridState
	infoWatches map[string]*bus.Watch
	dirtyIndex  bool
	dirtyInfo   map[string]struct{}

	index  *bus.Watch
	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// WatchGrids starts following the grid index of ownerID. Grids listed when
// the call is made are reported through Added before it returns. A grid is
// removed when it leaves the index or its gridinfo document is deleted.
func (d *Directory) WatchGrids(ctx context.Context, ownerID string, h GridHandlers) (*GridWatcher, error) {
	if ownerID == "" {
		return nil, &bus.ValidationError{Field: "ownerId", Reason: "required"}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	w := &GridWatcher{
		conn:        d.conn,
		ownerID:     ownerID,
		handlers:    h,
		logger:      d.conn.Logger().With("component", "grids", "owner", ownerID),
		states:      make(map[string]*GridState),
		infoWatches: make(map[string]*bus.Watch),
		dirtyInfo:   make(map[string]struct{}),
		wake:        make(chan struct{}, 1),
		ctx:         runCtx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}

	index, err := d.conn.WatchKey(ctx, bus.GridsKey(ownerID), func(bus.Target, bus.Snapshot) {
		w.markIndex()
	})
	if err != nil {
		cancel()
		return nil, err
	}
	w.index = index

	if err := w.syncIndex(ctx); err != nil {
		w.shutdown()
		return nil, err
	}

	go w.run()
	return w, nil
}

// Grids returns the grids currently known, sorted by ID.
func (w *GridWatcher) Grids() []GridState {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make([]GridState, 0, len(w.states))
	for _, id := range sortedKeys(w.states) {
		out = append(out, w.states[id].clone())
	}
	return out
}

// Close stops the watcher and every watch it holds. Safe to call more than
// once.
func (w *GridWatcher) Close() error {
	w.cancel()
	<-w.done
	return w.shutdown()
}

func (w *GridWatcher) shutdown() error {
	var firstErr error
	w.once.Do(func() {
		w.cancel()

		w.mu.Lock()
		watches := make([]*bus.Watch, 0, len(w.infoWatches)+1)
		watches = append(watches, w.index)
		for _, iw := range w.infoWatches {
			watches = append(watches, iw)
		}
		w.infoWatches = make(map[string]*bus.Watch)
		w.mu.Unlock()

		for _, iw := range watches {
			if err := iw.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	})
	return firstErr
}

func (w *GridWatcher) markIndex() {
	w.mu.Lock()
	w.dirtyIndex = true
	w.mu.Unlock()
	w.signal()
}

func (w *GridWatcher) markInfo(gridID string) {
	w.mu.Lock()
	w.dirtyInfo[gridID] = struct{}{}
	w.mu.Unlock()
	w.signal()
}

func (w *GridWatcher) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// run re-reads whatever was marked dirty. Change notifications only mark;
// the current value is always read back from Redis so that a burst of
// updates collapses into one sync.
func (w *GridWatcher) run() {
	defer close(w.done)

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.wake:
		}

		w.mu.Lock()
		index := w.dirtyIndex
		ids := sortedKeys(w.dirtyInfo)
		w.dirtyIndex = false
		w.dirtyInfo = make(map[string]struct{})
		w.mu.Unlock()

		if index {
			if err := w.syncIndex(w.ctx); err != nil && w.ctx.Err() == nil {
				w.logger.Warn("grid index sync failed", "error", err)
			}
		}
		for _, id := range ids {
			if err := w.syncInfo(w.ctx, id); err != nil && w.ctx.Err() == nil {
				w.logger.Warn("gridinfo sync failed", "grid", id, "error", err)
			}
		}
	}
}

func (w *GridWatcher) syncIndex(ctx context.Context) error {
	var descriptors []map[string]any
	data, err := w.conn.Get(ctx, bus.GridsKey(w.ownerID))
	switch {
	case err == nil:
		if descriptors, err = decodeGrids(data); err != nil {
			return fmt.Errorf("grids of owner %s: %w", w.ownerID, err)
		}
	case !bus.IsNotFound(err):
		return err
	}

	listed := make(map[string]bool, len(descriptors))
	for _, desc := range descriptors {
		g := parseGrid(w.ownerID, desc)
		if g.ID == "" || listed[g.ID] {
			continue
		}
		listed[g.ID] = true

		w.mu.Lock()
		state, known := w.states[g.ID]
		var snap GridState
		changed := known && !reflect.DeepEqual(state.Raw, g.Raw)
		if changed {
			state.GridInfo = g
			snap = state.clone()
		}
		w.mu.Unlock()

		switch {
		case !known:
			if err := w.attach(ctx, g); err != nil {
				return err
			}
		case changed:
			w.emit(w.handlers.Updated, snap)
		}
	}

	w.mu.Lock()
	var gone []string
	for _, id := range sortedKeys(w.states) {
		if !listed[id] {
			gone = append(gone, id)
		}
	}
	w.mu.Unlock()
	for _, id := range gone {
		w.remove(id)
	}
	return nil
}

func (w *GridWatcher) attach(ctx context.Context, g GridInfo) error {
	gridID := g.ID
	watch, err := w.conn.WatchKey(ctx, bus.GridInfoKey(w.ownerID, gridID), func(bus.Target, bus.Snapshot) {
		w.markInfo(gridID)
	})
	if err != nil {
		return fmt.Errorf("failed to watch gridinfo of %s: %w", gridID, err)
	}

	state := &GridState{GridInfo: g}
	info, err := w.readInfo(ctx, gridID)
	switch {
	case err == nil:
		state.Info = info
	case !bus.IsNotFound(err):
		w.logger.Warn("gridinfo read failed", "grid", gridID, "error", err)
	}

	w.mu.Lock()
	w.states[gridID] = state
	w.infoWatches[gridID] = watch
	snap := state.clone()
	w.mu.Unlock()

	w.emit(w.handlers.Added, snap)
	return nil
}

// syncInfo re-reads one gridinfo document. A grid whose document existed
// and is now gone is removed.
func (w *GridWatcher) syncInfo(ctx context.Context, gridID string) error {
	w.mu.Lock()
	state, ok := w.states[gridID]
	var had bool
	if ok {
		had = state.Info != nil
	}
	w.mu.Unlock()
	if !ok {
		return nil
	}

	info, err := w.readInfo(ctx, gridID)
	switch {
	case bus.IsNotFound(err):
		if had {
			w.remove(gridID)
		}
		return nil
	case err != nil:
		return err
	}

	w.mu.Lock()
	changed := !reflect.DeepEqual(state.Info, info)
	if changed {
		state.Info = info
	}
	snap := state.clone()
	w.mu.Unlock()

	if changed {
		w.emit(w.handlers.Updated, snap)
	}
	return nil
}

func (w *GridWatcher) readInfo(ctx context.Context, gridID string) (map[string]any, error) {
	data, err := w.conn.Get(ctx, bus.GridInfoKey(w.ownerID, gridID))
	if err != nil {
		return nil, err
	}
	var info map[string]any
	if err := decodeJSON(data, &info); err != nil {
		return nil, fmt.Errorf("failed to decode gridinfo of %s: %w", gridID, err)
	}
	return info, nil
}

func (w *GridWatcher) remove(gridID string) {
	w.mu.Lock()
	state, ok := w.states[gridID]
	watch := w.infoWatches[gridID]
	delete(w.states, gridID)
	delete(w.infoWatches, gridID)
	var snap GridState
	if ok {
		snap = state.clone()
	}
	w.mu.Unlock()

	if watch != nil {
		if err := watch.Close(); err != nil {
			w.logger.Debug("gridinfo unwatch failed", "grid", gridID, "error", err)
		}
	}
	if ok {
		w.emit(w.handlers.Removed, snap)
	}
}

func (w *GridWatcher) emit(fn func(GridState), state GridState) {
	if fn == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			w.logger.Error("grid handler panicked", "grid", state.ID, "panic", fmt.Sprint(p))
		}
	}()
	fn(state)
}
