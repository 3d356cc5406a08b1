package inference

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/example/image-classifier/internal/errdefs"
)

const (
	loadKey   = "load"
	reloadKey = "reload"
)

// Loader builds a fresh Resource.
type Loader func(ctx context.Context) (*Resource, error)

// Store owns the process-wide model. The first Get loads it; concurrent
// first calls share one in-flight load. Readers never see a partially
// built Resource.
//
// Every load takes a ticket when it starts. A load only installs its
// result when no later load has installed first, so a slow lazy load can
// never replace a newer reload.
type Store struct {
	loader      Loader
	logger      *zap.Logger
	loadTimeout time.Duration

	group singleflight.Group

	mu        sync.RWMutex
	current   *Resource
	tickets   uint64
	installed uint64
	listeners []func(loaded bool)
}

// NewStore returns a store that loads lazily through loader. A zero
// loadTimeout means loads are bounded only by the caller's context.
func NewStore(loader Loader, loadTimeout time.Duration, logger *zap.Logger) *Store {
	return &Store{
		loader:      loader,
		logger:      logger.Named("model_store"),
		loadTimeout: loadTimeout,
	}
}

// OnChange registers fn to be called after the model is loaded or dropped.
func (s *Store) OnChange(fn func(loaded bool)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// Loaded reports whether a model is currently held.
func (s *Store) Loaded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current != nil
}

// Get returns a lease on the loaded resource, loading it on first use.
// The caller must Release it. A caller whose context ends stops waiting;
// the shared load keeps running for the others.
func (s *Store) Get(ctx context.Context) (*Resource, error) {
	for {
		if res := s.acquireCurrent(); res != nil {
			return res, nil
		}

		ch := s.group.DoChan(loadKey, func() (interface{}, error) {
			if s.Loaded() {
				return nil, nil
			}
			ticket := s.nextTicket()
			res, err := s.load(context.WithoutCancel(ctx))
			if err != nil {
				return nil, err
			}
			s.install(res, ticket)
			return nil, nil
		})

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: waiting for model: %w", errdefs.ErrModelLoad, ctx.Err())
		case r := <-ch:
			if r.Err != nil {
				return nil, r.Err
			}
		}
	}
}

// Reload loads a fresh resource, swaps it in and returns a lease on it.
// The caller must Release it. The previous model is closed once every
// lease on it has been released.
func (s *Store) Reload(ctx context.Context) (*Resource, error) {
	_, err, _ := s.group.Do(reloadKey, func() (interface{}, error) {
		ticket := s.nextTicket()
		res, err := s.load(ctx)
		if err != nil {
			return nil, err
		}
		s.install(res, ticket)
		return nil, nil
	})
	if err != nil {
		return nil, err
	}

	res := s.acquireCurrent()
	if res == nil {
		return nil, fmt.Errorf("%w: model dropped during reload", errdefs.ErrModelLoad)
	}
	return res, nil
}

// Invalidate drops the current model and discards loads already in
// flight. The model is closed once its leases are released; the next Get
// loads again.
func (s *Store) Invalidate() {
	s.group.Forget(loadKey)

	s.mu.Lock()
	old := s.current
	s.current = nil
	s.installed = s.tickets
	listeners := append([]func(bool){}, s.listeners...)
	s.mu.Unlock()

	if old == nil {
		return
	}
	old.retire(s.logCloseError)
	for _, fn := range listeners {
		fn(false)
	}
}

// Close drops the held model.
func (s *Store) Close() {
	s.Invalidate()
}

func (s *Store) acquireCurrent() *Resource {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return nil
	}
	return s.current.acquire()
}

func (s *Store) nextTicket() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tickets++
	return s.tickets
}

func (s *Store) load(ctx context.Context) (*Resource, error) {
	if s.loadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.loadTimeout)
		defer cancel()
	}

	start := time.Now()
	res, err := s.loader(ctx)
	if err != nil {
		if !errors.Is(err, errdefs.ErrModelLoad) {
			err = fmt.Errorf("%w: %w", errdefs.ErrModelLoad, err)
		}
		s.logger.Error("model load failed", zap.Error(err), zap.Duration("elapsed", time.Since(start)))
		return nil, err
	}
	if res == nil || res.Model == nil {
		return nil, fmt.Errorf("%w: loader returned no model", errdefs.ErrModelLoad)
	}
	if res.LoadedAt.IsZero() {
		res.LoadedAt = time.Now().UTC()
	}

	if width := res.Model.OutputWidth(); width != len(res.Labels) {
		s.logger.Warn("label vocabulary does not match model output",
			zap.Int("output_width", width), zap.Int("labels", len(res.Labels)))
	}
	s.logger.Info("model loaded",
		zap.Int64s("input_shape", res.Model.InputShape()),
		zap.Int("output_width", res.Model.OutputWidth()),
		zap.Duration("elapsed", time.Since(start)))
	return res, nil
}

func (s *Store) install(res *Resource, ticket uint64) {
	s.mu.Lock()
	if ticket <= s.installed {
		s.mu.Unlock()
		s.logger.Info("discarding superseded model load", zap.Uint64("ticket", ticket))
		res.retire(s.logCloseError)
		return
	}
	old := s.current
	s.current = res
	s.installed = ticket
	listeners := append([]func(bool){}, s.listeners...)
	s.mu.Unlock()

	if old != nil && old != res {
		old.retire(s.logCloseError)
	}
	for _, fn := range listeners {
		fn(true)
	}
}

func (s *Store) logCloseError(err error) {
	if err != nil {
		s.logger.Warn("failed to close model", zap.Error(err))
	}
}
