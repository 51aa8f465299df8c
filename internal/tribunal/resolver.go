package tribunal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/jonathan/court-capture/internal/types"
	"golang.org/x/sync/singleflight"
)

// ErrNotFound matches any NotFoundError via errors.Is.
var ErrNotFound = errors.New("tribunal profile not found")

// NotFoundError indicates no active profile exists for a tribunal instance.
type NotFoundError struct {
	Tribunal string
	Instance types.Instance
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no profile found for tribunal %s, instance %s", e.Tribunal, e.Instance)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// Store is the backing table of profiles.
type Store interface {
	// GetProfile returns the active profile serving code/instance, including unified
	// or single-endpoint profiles, or nil, nil when there is none.
	GetProfile(ctx context.Context, code string, instance types.Instance) (*Profile, error)
	ListProfiles(ctx context.Context) ([]Profile, error)
}

// DefaultFillTimeout bounds one store read shared by every caller of a flight.
const DefaultFillTimeout = 15 * time.Second

// unifiedSlot keys profiles whose access mode collapses instances.
const unifiedSlot types.Instance = "*"

type cacheKey struct {
	code     string
	instance types.Instance
}

// Resolver is a read-through cache over Store. Misses are never cached.
type Resolver struct {
	store  Store
	logger *slog.Logger

	mu      sync.RWMutex
	entries map[cacheKey]*Profile
	gens    map[string]uint64
	epoch   uint64

	group       singleflight.Group
	fillTimeout time.Duration
}

// NewResolver creates an empty resolver.
func NewResolver(store Store, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		store:   store,
		logger:  logger,
		entries:     make(map[cacheKey]*Profile),
		gens:        make(map[string]uint64),
		fillTimeout: DefaultFillTimeout,
	}
}

// Resolve returns a copy of the profile for code/instance.
func (r *Resolver) Resolve(ctx context.Context, code string, instance types.Instance) (*Profile, error) {
	r.mu.RLock()
	p, ok := r.entries[cacheKey{code, instance}]
	if !ok {
		p, ok = r.entries[cacheKey{code, unifiedSlot}]
	}
	gen, epoch := r.gens[code], r.epoch
	r.mu.RUnlock()
	if ok {
		return p.Clone(), nil
	}

	// The generation is part of the flight key so callers arriving after an
	// invalidation never join a fill that started before it.
	flight := code + "|" + string(instance) + "|" + strconv.FormatUint(gen, 10) + "|" + strconv.FormatUint(epoch, 10)
	// The fill outlives any single caller; each caller only stops waiting on its
	// own cancellation.
	ch := r.group.DoChan(flight, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.fillTimeout)
		defer cancel()
		loaded, err := r.store.GetProfile(fctx, code, instance)
		if err != nil {
			return nil, fmt.Errorf("failed to load profile %s/%s: %w", code, instance, err)
		}
		if loaded == nil {
			return nil, &NotFoundError{Tribunal: code, Instance: instance}
		}
		r.fill(code, instance, gen, epoch, loaded)
		return loaded, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Profile).Clone(), nil
	}
}

func (r *Resolver) fill(code string, instance types.Instance, gen, epoch uint64, p *Profile) {
	key := cacheKey{code, instance}
	if p.AccessMode.CollapsesInstances() {
		key.instance = unifiedSlot
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gens[code] != gen || r.epoch != epoch {
		r.logger.Debug("discarding stale profile fill", "tribunal", code, "instance", instance)
		return
	}
	r.entries[key] = p.Clone()
}

// Invalidate drops every cached instance of code. Reads issued after it returns
// go to the store.
func (r *Resolver) Invalidate(code string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k := range r.entries {
		if k.code == code {
			delete(r.entries, k)
		}
	}
	r.gens[code]++
	r.logger.Info("tribunal profile cache invalidated", "tribunal", code)
}

// InvalidateInstance drops one instance of code, plus its unified entry if any.
func (r *Resolver) InvalidateInstance(code string, instance types.Instance) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, cacheKey{code, instance})
	delete(r.entries, cacheKey{code, unifiedSlot})
	r.gens[code]++
	r.logger.Info("tribunal profile cache invalidated", "tribunal", code, "instance", instance)
}

// Clear drops the whole cache.
func (r *Resolver) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.entries)
	r.epoch++
	r.logger.Info("tribunal profile cache cleared")
}

// Len returns the number of cached profiles.
func (r *Resolver) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// TribunalCodes returns the sorted, de-duplicated codes known to the store.
func (r *Resolver) TribunalCodes(ctx context.Context) ([]string, error) {
	profiles, err := r.store.ListProfiles(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list profiles: %w", err)
	}
	codes := make([]string, 0, len(profiles))
	for _, p := range profiles {
		codes = append(codes, p.TribunalCode)
	}
	slices.Sort(codes)
	return slices.Compact(codes), nil
}

// IsValidTribunalCode reports whether the store has any profile for code.
func (r *Resolver) IsValidTribunalCode(ctx context.Context, code string) (bool, error) {
	codes, err := r.TribunalCodes(ctx)
	if err != nil {
		return false, err
	}
	_, found := slices.BinarySearch(codes, code)
	return found, nil
}
