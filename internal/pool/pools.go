package pool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"

	kiroauth "github.com/ki2api/kiro-gateway/internal/auth/kiro"
	"github.com/ki2api/kiro-gateway/internal/config"
	"github.com/ki2api/kiro-gateway/internal/upstream"
)

// DefaultPoolID names the built-in pool that absorbs credentials without an
// explicit pool assignment. It always exists and cannot be deleted.
const DefaultPoolID = "default"

// AutoPoolID is the routing sentinel that selects the best enabled pool
// with available credentials instead of a fixed one.
const AutoPoolID = "__auto__"

// ErrPoolNotFound is returned for unknown pool ids.
var ErrPoolNotFound = errors.New("pool not found")

// ErrPoolUnavailable is returned when the requested pool exists but cannot
// serve traffic right now.
var ErrPoolUnavailable = errors.New("pool unavailable")

// Pool is the stored definition of one credential pool.
type Pool struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Priority       uint32         `json:"priority"`
	Enabled        bool           `json:"enabled"`
	SchedulingMode SchedulingMode `json:"schedulingMode,omitempty"`
	ProxyURL       string         `json:"proxyUrl,omitempty"`
	ProxyUsername  string         `json:"proxyUsername,omitempty"`
	ProxyPassword  string         `json:"proxyPassword,omitempty"`
}

func (p *Pool) proxy() upstream.ProxyConfig {
	return upstream.ProxyConfig{URL: p.ProxyURL, Username: p.ProxyUsername, Password: p.ProxyPassword}
}

// poolsFile is the on-disk pools definition.
type poolsFile struct {
	Pools []Pool `json:"pools"`
}

func defaultPool() Pool {
	return Pool{
		ID:             DefaultPoolID,
		Name:           "Default",
		Priority:       0,
		Enabled:        true,
		SchedulingMode: SchedulingRoundRobin,
	}
}

// PoolManager owns the pool definitions and one credential Manager per
// pool, and routes requests to the right one.
type PoolManager struct {
	cfg       *config.Config
	refresher TokenRefresher
	store     *Store
	poolsPath string

	mu       sync.RWMutex
	pools    map[string]*Pool
	managers map[string]*Manager
}

// NewPoolManager loads pool definitions from poolsPath (created with just
// the default pool when missing) and builds a manager per pool from the
// credential store's partition.
func NewPoolManager(cfg *config.Config, refresher TokenRefresher, store *Store, poolsPath string) (*PoolManager, error) {
	pm := &PoolManager{
		cfg:       cfg,
		refresher: refresher,
		store:     store,
		poolsPath: poolsPath,
		pools:     make(map[string]*Pool),
		managers:  make(map[string]*Manager),
	}
	if err := pm.loadPools(); err != nil {
		return nil, err
	}
	pm.rebuildManagers()
	return pm, nil
}

func (pm *PoolManager) loadPools() error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	pm.pools = map[string]*Pool{}
	data, err := os.ReadFile(pm.poolsPath)
	switch {
	case err == nil:
		var file poolsFile
		if err = json.Unmarshal(data, &file); err != nil {
			return fmt.Errorf("parse pools file %s: %w", pm.poolsPath, err)
		}
		for i := range file.Pools {
			p := file.Pools[i]
			if p.SchedulingMode == "" {
				p.SchedulingMode = SchedulingRoundRobin
			}
			pm.pools[p.ID] = &p
		}
	case os.IsNotExist(err):
		// First run, start with just the default pool.
	default:
		return fmt.Errorf("read pools file %s: %w", pm.poolsPath, err)
	}

	if _, ok := pm.pools[DefaultPoolID]; !ok {
		def := defaultPool()
		pm.pools[DefaultPoolID] = &def
	}
	return nil
}

func (pm *PoolManager) savePoolsLocked() error {
	file := poolsFile{Pools: pm.sortedPoolsLocked()}
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal pools: %w", err)
	}
	if err = os.WriteFile(pm.poolsPath, data, 0o600); err != nil {
		return fmt.Errorf("write pools file %s: %w", pm.poolsPath, err)
	}
	return nil
}

func (pm *PoolManager) sortedPoolsLocked() []Pool {
	out := make([]Pool, 0, len(pm.pools))
	for _, p := range pm.pools {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// rebuildManagers recreates every pool's manager from the store partition.
// Runtime failure state is reset, matching a restart.
func (pm *PoolManager) rebuildManagers() {
	partition := pm.store.Partition()

	pm.mu.Lock()
	defer pm.mu.Unlock()

	pm.managers = make(map[string]*Manager, len(pm.pools))
	for id, p := range pm.pools {
		poolID := id
		creds := partition[poolID]
		pm.managers[poolID] = NewManager(pm.cfg, pm.refresher, creds, ManagerOptions{
			Mode:      p.SchedulingMode,
			PoolProxy: p.proxy(),
			Persist: func(updated []kiroauth.Credential) error {
				return pm.store.ReplacePool(poolID, updated)
			},
			NextID: pm.store.NextID,
		})
	}

	for poolID, creds := range partition {
		if _, ok := pm.pools[poolID]; !ok {
			log.Warnf("pool: %d credential(s) reference unknown pool %q, they will not serve traffic", len(creds), poolID)
		}
	}
}

// Reload re-reads the credential store and rebuilds all managers.
func (pm *PoolManager) Reload() error {
	if err := pm.store.Reload(); err != nil {
		return err
	}
	pm.rebuildManagers()
	log.Info("pool: credentials reloaded")
	return nil
}

// Route resolves a pool selector to its manager. An empty selector targets
// the default pool, AutoPoolID picks the best enabled pool with available
// credentials, and a named selector is strict: the pool must exist, be
// enabled and have at least one available credential.
func (pm *PoolManager) Route(selector string) (*Manager, error) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	switch strings.TrimSpace(selector) {
	case "", DefaultPoolID:
		p := pm.pools[DefaultPoolID]
		if !p.Enabled {
			return nil, fmt.Errorf("%w: default pool is disabled", ErrPoolUnavailable)
		}
		return pm.managers[DefaultPoolID], nil

	case AutoPoolID:
		var best *Pool
		for _, p := range pm.pools {
			if !p.Enabled {
				continue
			}
			mgr := pm.managers[p.ID]
			if mgr == nil || mgr.availableCount() == 0 {
				continue
			}
			if best == nil || p.Priority < best.Priority || (p.Priority == best.Priority && p.ID < best.ID) {
				best = p
			}
		}
		if best == nil {
			return nil, fmt.Errorf("%w: no enabled pool has available credentials", ErrPoolUnavailable)
		}
		return pm.managers[best.ID], nil

	default:
		p, ok := pm.pools[selector]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrPoolNotFound, selector)
		}
		if !p.Enabled {
			return nil, fmt.Errorf("%w: pool %q is disabled", ErrPoolUnavailable, selector)
		}
		mgr := pm.managers[selector]
		if mgr == nil || mgr.availableCount() == 0 {
			return nil, fmt.Errorf("%w: pool %q has no available credentials", ErrPoolUnavailable, selector)
		}
		return mgr, nil
	}
}

// Manager returns the manager for an exact pool id without routing rules.
func (pm *PoolManager) Manager(poolID string) (*Manager, error) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	mgr, ok := pm.managers[poolID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrPoolNotFound, poolID)
	}
	return mgr, nil
}

// Pools returns the pool definitions sorted by priority.
func (pm *PoolManager) Pools() []Pool {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.sortedPoolsLocked()
}

// CreatePool adds a pool. Ids must be unique and must not collide with the
// routing sentinel.
func (pm *PoolManager) CreatePool(p Pool) error {
	if strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("pool id must not be empty")
	}
	if p.ID == AutoPoolID {
		return fmt.Errorf("pool id %q is reserved", AutoPoolID)
	}
	if p.SchedulingMode == "" {
		p.SchedulingMode = SchedulingRoundRobin
	} else if _, err := ParseSchedulingMode(string(p.SchedulingMode)); err != nil {
		return err
	}

	pm.mu.Lock()
	if _, exists := pm.pools[p.ID]; exists {
		pm.mu.Unlock()
		return fmt.Errorf("pool %q already exists", p.ID)
	}
	pm.pools[p.ID] = &p
	poolID := p.ID
	pm.managers[poolID] = NewManager(pm.cfg, pm.refresher, nil, ManagerOptions{
		Mode:      p.SchedulingMode,
		PoolProxy: p.proxy(),
		Persist: func(updated []kiroauth.Credential) error {
			return pm.store.ReplacePool(poolID, updated)
		},
		NextID: pm.store.NextID,
	})
	err := pm.savePoolsLocked()
	pm.mu.Unlock()

	if err == nil {
		log.Infof("pool: created pool %q", p.ID)
	}
	return err
}

// UpdatePool changes a pool's mutable fields. The default pool cannot be
// disabled through here while it is the only enabled pool.
func (pm *PoolManager) UpdatePool(p Pool) error {
	pm.mu.Lock()
	existing, ok := pm.pools[p.ID]
	if !ok {
		pm.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrPoolNotFound, p.ID)
	}
	if p.SchedulingMode == "" {
		p.SchedulingMode = existing.SchedulingMode
	} else if _, err := ParseSchedulingMode(string(p.SchedulingMode)); err != nil {
		pm.mu.Unlock()
		return err
	}
	*existing = p
	if mgr := pm.managers[p.ID]; mgr != nil {
		mgr.SetSchedulingMode(p.SchedulingMode)
		mgr.SetPoolProxy(p.proxy())
	}
	err := pm.savePoolsLocked()
	pm.mu.Unlock()
	return err
}

// DeletePool removes a pool, moving its credentials back to the default
// pool. The default pool cannot be deleted.
func (pm *PoolManager) DeletePool(poolID string) error {
	if poolID == DefaultPoolID {
		return fmt.Errorf("the default pool cannot be deleted")
	}

	pm.mu.Lock()
	if _, ok := pm.pools[poolID]; !ok {
		pm.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrPoolNotFound, poolID)
	}
	delete(pm.pools, poolID)
	delete(pm.managers, poolID)
	err := pm.savePoolsLocked()
	pm.mu.Unlock()
	if err != nil {
		return err
	}

	for _, c := range pm.store.All() {
		if c.PoolID == poolID {
			if err = pm.store.AssignPool(c.ID, DefaultPoolID); err != nil {
				return err
			}
		}
	}
	if err = pm.Reload(); err != nil {
		return err
	}
	log.Infof("pool: deleted pool %q, credentials moved to default", poolID)
	return nil
}

// AssignCredential moves a credential into a pool and rebuilds managers.
func (pm *PoolManager) AssignCredential(credentialID uint64, poolID string) error {
	pm.mu.RLock()
	_, ok := pm.pools[poolID]
	pm.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrPoolNotFound, poolID)
	}
	if err := pm.store.AssignPool(credentialID, poolID); err != nil {
		return err
	}
	return pm.Reload()
}

// AddCredential validates and adds a credential to the given pool.
func (pm *PoolManager) AddCredential(ctx context.Context, poolID string, cred kiroauth.Credential) (uint64, error) {
	if poolID == "" {
		poolID = DefaultPoolID
	}
	mgr, err := pm.Manager(poolID)
	if err != nil {
		return 0, err
	}
	if poolID != DefaultPoolID {
		cred.PoolID = poolID
	}
	return mgr.AddCredential(ctx, cred)
}

// PoolSnapshot combines a pool definition with its manager state.
type PoolSnapshot struct {
	Pool    Pool     `json:"pool"`
	Manager Snapshot `json:"manager"`
}

// Snapshots returns the state of every pool sorted by priority.
func (pm *PoolManager) Snapshots() []PoolSnapshot {
	pm.mu.RLock()
	pools := pm.sortedPoolsLocked()
	managers := make(map[string]*Manager, len(pm.managers))
	for id, mgr := range pm.managers {
		managers[id] = mgr
	}
	pm.mu.RUnlock()

	out := make([]PoolSnapshot, 0, len(pools))
	for _, p := range pools {
		snap := PoolSnapshot{Pool: p}
		if mgr := managers[p.ID]; mgr != nil {
			snap.Manager = mgr.Snapshot()
		}
		out = append(out, snap)
	}
	return out
}

// Totals reports credential counts across all pools for health reporting.
func (pm *PoolManager) Totals() (total, available int) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	for id, mgr := range pm.managers {
		if p, ok := pm.pools[id]; !ok || !p.Enabled {
			continue
		}
		total += mgr.totalCount()
		available += mgr.availableCount()
	}
	return total, available
}
