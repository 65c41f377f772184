// Package registry is the global position registry. It hands out exclusive
// market claims so two strategies can never both enter the same market, and
// serves cached summaries of the open-position set.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"upbit-trading-bot/config"
	"upbit-trading-bot/internal/database"
)

// Store is the persistence surface the registry needs.
type Store interface {
	GetOpenPositions(ctx context.Context) ([]database.Position, error)
	GetOpenPositionByMarket(ctx context.Context, market string) (*database.Position, error)
}

// Claim records who holds a market.
type Claim struct {
	Market     string    `json:"market"`
	Strategy   string    `json:"strategy"`
	PositionID int64     `json:"position_id,omitempty"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Registry coordinates exclusive market ownership. The in-memory claim map is
// authoritative for in-flight entries; the persistent store is double-checked
// so a restart cannot hand a held market to a second strategy.
type Registry struct {
	mu       sync.Mutex
	claims   map[string]*Claim
	store    Store
	maxOpen  int
	cacheTTL time.Duration
	logger   zerolog.Logger
	now      func() time.Time

	cachedPositions []database.Position
	cachedAt        time.Time
}

// New creates a registry backed by the given store.
func New(store Store, cfg config.RegistryConfig, maxOpenPositions int, logger zerolog.Logger) *Registry {
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &Registry{
		claims:   make(map[string]*Claim),
		store:    store,
		maxOpen:  maxOpenPositions,
		cacheTTL: ttl,
		logger:   logger.With().Str("component", "position_registry").Logger(),
		now:      time.Now,
	}
}

// TryAcquire claims a market for a strategy. It refuses when the market is
// already claimed in memory, when the store shows an open position on it, or
// when the open-position cap is reached.
func (r *Registry) TryAcquire(ctx context.Context, market, strategy string) (bool, string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, held := r.claims[market]; held {
		return false, fmt.Sprintf("market held by strategy %s since %s", c.Strategy, c.AcquiredAt.UTC().Format(time.RFC3339))
	}

	// Double-check the store: a position may exist that no live claim covers,
	// for example right after a restart.
	pos, err := r.store.GetOpenPositionByMarket(ctx, market)
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		return false, fmt.Sprintf("position lookup failed: %v", err)
	}
	if pos != nil {
		r.claims[market] = &Claim{
			Market:     market,
			Strategy:   pos.Strategy,
			PositionID: pos.ID,
			AcquiredAt: r.now(),
		}
		r.invalidateLocked()
		return false, fmt.Sprintf("open position %d on market owned by strategy %s", pos.ID, pos.Strategy)
	}

	if r.maxOpen > 0 {
		count, err := r.openCountLocked(ctx)
		if err != nil {
			return false, fmt.Sprintf("open position count unavailable: %v", err)
		}
		if count+len(r.claims) >= r.maxOpen {
			return false, fmt.Sprintf("open position cap %d reached", r.maxOpen)
		}
	}

	r.claims[market] = &Claim{Market: market, Strategy: strategy, AcquiredAt: r.now()}
	r.invalidateLocked()
	r.logger.Debug().Str("market", market).Str("strategy", strategy).Msg("market claimed")
	return true, ""
}

// Bind attaches a persisted position ID to an existing claim.
func (r *Registry) Bind(market string, positionID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.claims[market]; ok {
		c.PositionID = positionID
	}
	r.invalidateLocked()
}

// Release frees a market claim. Safe to call on an unclaimed market.
func (r *Registry) Release(market string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.claims[market]; ok {
		delete(r.claims, market)
		r.invalidateLocked()
		r.logger.Debug().Str("market", market).Msg("market released")
	}
}

// HasOpenPosition reports whether the market is held, consulting the claim
// map first and the store on a miss.
func (r *Registry) HasOpenPosition(ctx context.Context, market string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, held := r.claims[market]; held {
		return true
	}
	pos, err := r.store.GetOpenPositionByMarket(ctx, market)
	if err != nil {
		return false
	}
	return pos != nil
}

// OpenPositionCount returns the number of open positions in the store,
// served from a short-lived cache.
func (r *Registry) OpenPositionCount(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.openCountLocked(ctx)
}

func (r *Registry) openCountLocked(ctx context.Context) (int, error) {
	positions, err := r.positionsLocked(ctx)
	if err != nil {
		return 0, err
	}
	return len(positions), nil
}

// Summary lists the current claims and open positions.
type Summary struct {
	Claims    []Claim             `json:"claims"`
	Positions []database.Position `json:"positions"`
}

// PositionSummary returns claims and open positions, positions from cache.
func (r *Registry) PositionSummary(ctx context.Context) (Summary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	positions, err := r.positionsLocked(ctx)
	if err != nil {
		return Summary{}, err
	}

	claims := make([]Claim, 0, len(r.claims))
	for _, c := range r.claims {
		claims = append(claims, *c)
	}
	return Summary{Claims: claims, Positions: positions}, nil
}

// positionsLocked serves open positions from the TTL cache; caller holds the lock.
func (r *Registry) positionsLocked(ctx context.Context) ([]database.Position, error) {
	if r.cachedPositions != nil && r.now().Sub(r.cachedAt) < r.cacheTTL {
		return r.cachedPositions, nil
	}
	positions, err := r.store.GetOpenPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("load open positions: %w", err)
	}
	if positions == nil {
		positions = []database.Position{}
	}
	r.cachedPositions = positions
	r.cachedAt = r.now()
	return positions, nil
}

// invalidateLocked drops the cache after any mutation; caller holds the lock.
func (r *Registry) invalidateLocked() {
	r.cachedPositions = nil
}

// SetClock overrides the time source (tests only).
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}
