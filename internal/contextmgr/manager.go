// Package contextmgr manages the prompt window as virtual memory: pages are
// admitted against a token budget, evicted by a recency/importance score,
// swapped back in on access and rendered in a cache-friendly order.
package contextmgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/nextlevelbuilder/agentos/internal/eviction"
	"github.com/nextlevelbuilder/agentos/internal/store"
	"github.com/nextlevelbuilder/agentos/internal/tokens"
)

// PageStore is the slice of storage the manager needs for swap traffic.
type PageStore interface {
	SaveContextPage(ctx context.Context, page *store.Page) error
	LoadContextPage(ctx context.Context, pageID string) (*store.Page, error)
}

// Config configures a Manager.
type Config struct {
	Budget  int             `json:"budget"` // max resident tokens
	Policy  eviction.Policy `json:"policy"`
	Counter tokens.Counter  `json:"-"`
	// LayoutHistory bounds how many owners' previous renders are remembered
	// for the overlap estimate.
	LayoutHistory int `json:"layout_history"`
}

// DefaultConfig returns an 8k-token window with the default eviction policy.
func DefaultConfig() Config {
	return Config{
		Budget:        8192,
		Policy:        eviction.DefaultPolicy(),
		Counter:       tokens.Heuristic{},
		LayoutHistory: 100,
	}
}

// RenderOptions controls RenderContext.
type RenderOptions struct {
	OptimizeForCache bool // reorder into prefix-stable tiers
	IncludeSwapped   bool // fault swapped pages back in before rendering
	MaxPages         int  // 0 means no limit
}

// DefaultRenderOptions renders resident pages in cache-friendly order.
func DefaultRenderOptions() RenderOptions {
	return RenderOptions{OptimizeForCache: true}
}

// Stats is a point-in-time view of the manager.
type Stats struct {
	Budget          int     `json:"budget"`
	Usage           int     `json:"usage"`
	Resident        int     `json:"resident"`
	Swapped         int     `json:"swapped"`
	Dirty           int     `json:"dirty"`
	Accesses        int64   `json:"accesses"`
	Hits            int64   `json:"hits"`
	PageFaults      int64   `json:"page_faults"`
	SwapIns         int64   `json:"swap_ins"`
	SwapOuts        int64   `json:"swap_outs"`
	Renders         int64   `json:"renders"`
	AvgCacheHitRate float64 `json:"avg_cache_hit_rate"`
}

// Manager owns the page table. One mutex guards all of it; storage I/O
// always runs with the mutex released.
type Manager struct {
	mu       sync.Mutex
	budget   int
	usage    int
	policy   eviction.Policy
	counter  tokens.Counter
	storage  PageStore
	resident map[string]*store.Page
	swapped  map[string]*store.Page
	owners   map[string]map[string]struct{}
	seq      map[string]uint64 // allocation order
	rev      map[string]uint64 // bumped on every content change
	written  map[string]uint64 // last revision held by storage
	nextSeq  uint64

	prevLayout *lru.Cache[string, map[string]struct{}]
	loads      singleflight.Group
	stats      Stats
	hitSum     float64
	now        func() time.Time
}

// New creates a Manager. storage may be nil, in which case swapped pages
// live only in the in-memory swap table.
func New(cfg Config, storage PageStore) *Manager {
	def := DefaultConfig()
	if cfg.Budget <= 0 {
		cfg.Budget = def.Budget
	}
	if cfg.Counter == nil {
		cfg.Counter = def.Counter
	}
	if cfg.Policy == (eviction.Policy{}) {
		cfg.Policy = def.Policy
	}
	if cfg.LayoutHistory <= 0 {
		cfg.LayoutHistory = def.LayoutHistory
	}
	prev, _ := lru.New[string, map[string]struct{}](cfg.LayoutHistory)
	return &Manager{
		budget:     cfg.Budget,
		policy:     cfg.Policy,
		counter:    cfg.Counter,
		storage:    storage,
		resident:   make(map[string]*store.Page),
		swapped:    make(map[string]*store.Page),
		owners:     make(map[string]map[string]struct{}),
		seq:        make(map[string]uint64),
		rev:        make(map[string]uint64),
		written:    make(map[string]uint64),
		prevLayout: prev,
		now:        store.Now,
	}
}

// SetPolicy replaces the eviction policy.
func (m *Manager) SetPolicy(p eviction.Policy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policy = p
}

// SetBudget changes the token budget. Shrinking below current usage does not
// evict; the next admission does.
func (m *Manager) SetBudget(n int) {
	if n <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.budget = n
}

// Allocate admits a new resident page for owner, evicting the worst
// victims if needed. Pinned pages are never evicted.
func (m *Manager) Allocate(ctx context.Context, owner, content string, importance float64, category store.PageCategory) (string, error) {
	if err := store.ValidateOwnerID(owner); err != nil {
		return "", err
	}
	if !category.Valid() {
		return "", fmt.Errorf("allocate: unknown category %q", category)
	}
	size := m.counter.Count(content)

	m.mu.Lock()
	if size > m.budget {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: page of %d tokens exceeds budget %d", ErrMemoryExhausted, size, m.budget)
	}
	victims, ok := m.makeRoomLocked(size, nil)
	if !ok {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: need %d tokens, %d/%d used", ErrMemoryExhausted, size, m.usage, m.budget)
	}

	now := m.now()
	pg := &store.Page{
		ID:           store.NewID(),
		OwnerID:      owner,
		Content:      content,
		Tokens:       size,
		Importance:   store.ClampImportance(importance),
		Category:     category,
		Status:       store.PageResident,
		LastAccessed: now,
		CreatedAt:    now,
	}
	m.insertLocked(pg, true)
	m.mu.Unlock()

	m.writeBack(ctx, victims)
	return pg.ID, nil
}

// Access returns a copy of the page, updating its access statistics.
// A swapped or unknown page is a page fault: it is brought back in from the
// swap table or storage. Pages owned by someone else are reported missing.
func (m *Manager) Access(ctx context.Context, pageID, owner string) (*store.Page, bool) {
	m.mu.Lock()
	m.stats.Accesses++
	if pg, ok := m.resident[pageID]; ok {
		if pg.OwnerID != owner {
			m.mu.Unlock()
			return nil, false
		}
		m.touchLocked(pg)
		m.stats.Hits++
		out := pg.Clone()
		m.mu.Unlock()
		return out, true
	}

	if pg, ok := m.swapped[pageID]; ok {
		if pg.OwnerID != owner {
			m.mu.Unlock()
			return nil, false
		}
		m.stats.PageFaults++
		out, victims, _ := m.swapInLocked(pg, nil)
		m.mu.Unlock()
		m.writeBack(ctx, victims)
		return out, true
	}
	m.stats.PageFaults++
	m.mu.Unlock()

	if m.storage == nil {
		return nil, false
	}
	v, err, _ := m.loads.Do(pageID, func() (any, error) {
		return m.storage.LoadContextPage(ctx, pageID)
	})
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			slog.Warn("contextmgr: page load failed", "page", pageID, "error", err)
		}
		return nil, false
	}
	loaded := v.(*store.Page).Clone()
	if loaded.OwnerID != owner {
		return nil, false
	}

	m.mu.Lock()
	// Another caller may have installed it while we were loading.
	if pg, ok := m.resident[pageID]; ok {
		m.touchLocked(pg)
		out := pg.Clone()
		m.mu.Unlock()
		return out, true
	}
	pg, ok := m.swapped[pageID]
	if !ok {
		loaded.Status = store.PageSwapped
		m.insertLocked(loaded, false)
		m.written[loaded.ID] = m.rev[loaded.ID]
		pg = loaded
	}
	out, victims, _ := m.swapInLocked(pg, nil)
	m.mu.Unlock()
	m.writeBack(ctx, victims)
	return out, true
}

// RenderContext joins an owner's resident pages with blank lines. With
// OptimizeForCache the pages are laid out in prefix-stable tiers; otherwise
// in allocation order. IncludeSwapped first faults the owner's swapped pages
// back in, most important first, without evicting the owner's own resident
// pages; a page that does not fit stays out of the render, so the result
// never exceeds the budget.
func (m *Manager) RenderContext(ctx context.Context, owner string, opts RenderOptions) string {
	m.mu.Lock()
	var victims []*store.Page
	if opts.IncludeSwapped {
		victims = m.faultInOwnerLocked(owner)
	}

	var pages []*store.Page
	for id := range m.owners[owner] {
		if pg, ok := m.resident[id]; ok {
			pages = append(pages, pg)
		}
	}
	sort.Slice(pages, func(i, j int) bool { return m.seq[pages[i].ID] < m.seq[pages[j].ID] })
	if opts.OptimizeForCache {
		pages = eviction.Layout(pages)
	}
	if opts.MaxPages > 0 && len(pages) > opts.MaxPages {
		pages = pages[:opts.MaxPages]
	}

	parts := make([]string, len(pages))
	for i, pg := range pages {
		parts[i] = pg.Content
	}
	out := strings.Join(parts, "\n\n")

	cur := eviction.TokenSet(out)
	if prev, ok := m.prevLayout.Get(owner); ok {
		m.hitSum += eviction.OverlapRatio(prev, cur)
		m.stats.Renders++
	}
	m.prevLayout.Add(owner, cur)
	m.mu.Unlock()

	m.writeBack(ctx, victims)
	return out
}

// faultInOwnerLocked swaps in owner's swapped pages where room can be made
// from other owners' pages. Returned pages need write-back.
func (m *Manager) faultInOwnerLocked(owner string) []*store.Page {
	keep := make(map[string]bool)
	var out []*store.Page
	for id := range m.owners[owner] {
		if _, ok := m.resident[id]; ok {
			keep[id] = true
		} else if pg, ok := m.swapped[id]; ok {
			out = append(out, pg)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Importance != out[j].Importance {
			return out[i].Importance > out[j].Importance
		}
		return m.seq[out[i].ID] < m.seq[out[j].ID]
	})

	var writes []*store.Page
	for _, pg := range out {
		m.stats.Accesses++
		m.stats.PageFaults++
		_, victims, in := m.swapInLocked(pg, keep)
		if in {
			keep[pg.ID] = true
			writes = append(writes, victims...)
		}
	}
	return writes
}

// UpdateContent replaces a resident page's content and marks it dirty.
// Growth beyond the budget evicts other pages; if that cannot make room the
// page is left unchanged and ErrMemoryExhausted is returned.
func (m *Manager) UpdateContent(ctx context.Context, pageID, content string) error {
	size := m.counter.Count(content)

	m.mu.Lock()
	pg, ok := m.resident[pageID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrPageNotResident, pageID)
	}
	delta := size - pg.Tokens
	var victims []*store.Page
	if delta > 0 {
		victims, ok = m.makeRoomLocked(delta, map[string]bool{pageID: true})
		if !ok {
			m.mu.Unlock()
			return fmt.Errorf("%w: page %s would grow by %d tokens", ErrMemoryExhausted, pageID, delta)
		}
	}
	pg.Content = content
	pg.Tokens = size
	pg.Status = store.PageDirty
	pg.LastAccessed = m.now()
	m.usage += delta
	m.rev[pageID]++
	m.mu.Unlock()

	m.writeBack(ctx, victims)
	return nil
}

// UpdateImportance sets a page's importance, clamped to [0,1], and marks the
// page dirty so the next flush persists it. Works on resident and swapped
// pages.
func (m *Manager) UpdateImportance(pageID string, importance float64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	pg, ok := m.resident[pageID]
	if !ok {
		pg, ok = m.swapped[pageID]
	}
	if !ok {
		return false
	}
	if imp := store.ClampImportance(importance); imp != pg.Importance {
		pg.Importance = imp
		pg.Status = store.PageDirty
		m.rev[pageID]++
	}
	return true
}

// Release forgets every page of owner and returns how many were dropped.
func (m *Manager) Release(owner string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := m.owners[owner]
	for id := range ids {
		if pg, ok := m.resident[id]; ok {
			m.usage -= pg.Tokens
			delete(m.resident, id)
		}
		delete(m.swapped, id)
		delete(m.seq, id)
		delete(m.rev, id)
		delete(m.written, id)
	}
	delete(m.owners, owner)
	m.prevLayout.Remove(owner)
	return len(ids)
}

// OwnerPages returns copies of every page of owner, resident or swapped,
// in allocation order.
func (m *Manager) OwnerPages(owner string) []*store.Page {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Page
	for id := range m.owners[owner] {
		if pg, ok := m.resident[id]; ok {
			out = append(out, pg.Clone())
		} else if pg, ok := m.swapped[id]; ok {
			out = append(out, pg.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return m.seq[out[i].ID] < m.seq[out[j].ID] })
	return out
}

// AdoptPages installs copies of pages under owner as swapped pages with
// fresh ids, and returns the old-id to new-id mapping. They are paged in on
// first access.
func (m *Manager) AdoptPages(owner string, pages []*store.Page) map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make(map[string]string, len(pages))
	for _, src := range pages {
		pg := src.Clone()
		pg.ID = store.NewID()
		pg.OwnerID = owner
		pg.Status = store.PageSwapped
		m.insertLocked(pg, false)
		ids[src.ID] = pg.ID
	}
	return ids
}

// Flush writes every page whose current revision storage does not hold.
// It returns the number of pages written.
func (m *Manager) Flush(ctx context.Context) int {
	if m.storage == nil {
		return 0
	}
	m.mu.Lock()
	var pending []*store.Page
	for _, table := range []map[string]*store.Page{m.resident, m.swapped} {
		for id, pg := range table {
			if m.written[id] != m.rev[id] {
				pending = append(pending, pg.Clone())
			}
		}
	}
	m.mu.Unlock()
	return m.writeBack(ctx, pending)
}

// Stats returns a snapshot of the manager counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stats
	s.Budget = m.budget
	s.Usage = m.usage
	s.Resident = len(m.resident)
	s.Swapped = len(m.swapped)
	for _, table := range []map[string]*store.Page{m.resident, m.swapped} {
		for _, pg := range table {
			if pg.Status == store.PageDirty {
				s.Dirty++
			}
		}
	}
	if s.Renders > 0 {
		s.AvgCacheHitRate = m.hitSum / float64(s.Renders)
	}
	return s
}

func (m *Manager) insertLocked(pg *store.Page, resident bool) {
	m.nextSeq++
	m.seq[pg.ID] = m.nextSeq
	m.rev[pg.ID]++
	if m.owners[pg.OwnerID] == nil {
		m.owners[pg.OwnerID] = make(map[string]struct{})
	}
	m.owners[pg.OwnerID][pg.ID] = struct{}{}
	if resident {
		m.resident[pg.ID] = pg
		m.usage += pg.Tokens
	} else {
		m.swapped[pg.ID] = pg
	}
}

func (m *Manager) touchLocked(pg *store.Page) {
	pg.AccessCount++
	pg.LastAccessed = m.now()
}

// swapInLocked moves a swapped page back to the resident set when room can
// be made without evicting pages in keep. When it cannot fit the page stays
// swapped, a copy is still returned and in is false.
func (m *Manager) swapInLocked(pg *store.Page, keep map[string]bool) (out *store.Page, victims []*store.Page, in bool) {
	m.touchLocked(pg)
	victims, ok := m.makeRoomLocked(pg.Tokens, keep)
	if !ok {
		slog.Debug("contextmgr: page served from swap, no room", "page", pg.ID, "tokens", pg.Tokens)
		return pg.Clone(), nil, false
	}
	delete(m.swapped, pg.ID)
	if pg.Status != store.PageDirty {
		pg.Status = store.PageResident
	}
	m.resident[pg.ID] = pg
	m.usage += pg.Tokens
	m.stats.SwapIns++
	return pg.Clone(), victims, true
}

// makeRoomLocked evicts victims until need more tokens fit. It evicts
// nothing when the goal is unreachable. Returned pages need write-back.
func (m *Manager) makeRoomLocked(need int, exclude map[string]bool) ([]*store.Page, bool) {
	if m.usage+need <= m.budget {
		return nil, true
	}
	candidates := make([]*store.Page, 0, len(m.resident))
	evictable := 0
	for id, pg := range m.resident {
		if exclude[id] || m.policy.Pinned(pg) {
			continue
		}
		candidates = append(candidates, pg)
		evictable += pg.Tokens
	}
	if m.usage-evictable+need > m.budget {
		return nil, false
	}

	now := m.now()
	taken := make(map[string]bool, len(exclude))
	for id := range exclude {
		taken[id] = true
	}
	var writes []*store.Page
	for m.usage+need > m.budget {
		v := m.policy.SelectVictim(candidates, now, taken)
		if v == nil {
			break
		}
		taken[v.ID] = true
		delete(m.resident, v.ID)
		m.usage -= v.Tokens
		m.swapped[v.ID] = v
		m.stats.SwapOuts++
		if m.storage != nil && m.written[v.ID] != m.rev[v.ID] {
			v.Status = store.PageDirty
			writes = append(writes, v.Clone())
		} else {
			v.Status = store.PageSwapped
		}
	}
	return writes, true
}

// writeBack saves pages to storage outside the lock. A page is marked clean
// only if its content has not changed since the copy was taken; failures
// leave it dirty for the next flush.
func (m *Manager) writeBack(ctx context.Context, pages []*store.Page) int {
	if m.storage == nil || len(pages) == 0 {
		return 0
	}
	written := 0
	for _, snap := range pages {
		m.mu.Lock()
		rev := m.rev[snap.ID]
		m.mu.Unlock()

		if err := m.storage.SaveContextPage(ctx, snap); err != nil {
			slog.Warn("contextmgr: page write-back failed", "page", snap.ID, "owner", snap.OwnerID, "error", err)
			continue
		}
		written++

		m.mu.Lock()
		if m.rev[snap.ID] == rev && snap.Content == m.contentLocked(snap.ID) {
			m.written[snap.ID] = rev
			if pg, ok := m.swapped[snap.ID]; ok {
				pg.Status = store.PageSwapped
			} else if pg, ok := m.resident[snap.ID]; ok {
				pg.Status = store.PageResident
			}
		}
		m.mu.Unlock()
	}
	return written
}

func (m *Manager) contentLocked(id string) string {
	if pg, ok := m.resident[id]; ok {
		return pg.Content
	}
	if pg, ok := m.swapped[id]; ok {
		return pg.Content
	}
	return ""
}
