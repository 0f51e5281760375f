package reconcile

import (
	"slices"
	"sync"

	"github.com/programme-lv/submfeed/submevent"
)

// Cache holds several independently paginated listings plus detail rows and
// folds every incoming event into all of them.
type Cache struct {
	mu      sync.RWMutex
	pages   map[string]Page
	details map[string]Row

	// owner id to keys dropped when one of the owner's submissions settles
	dependents map[string][]string
}

func NewCache() *Cache {
	return &Cache{
		pages:      make(map[string]Page),
		details:    make(map[string]Row),
		dependents: make(map[string][]string),
	}
}

func (c *Cache) PutPage(key string, p Page) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pages[key] = p
}

func (c *Cache) Page(key string) (Page, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.pages[key]
	return p, ok
}

func (c *Cache) PutDetail(row Row) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.details[row.ID] = row
}

func (c *Cache) Detail(id string) (Row, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.details[id]
	return r, ok
}

// Invalidate drops a cached listing, e.g. before a full refetch.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pages, key)
}

// DependOnVerdicts marks keys as derived from ownerID's results, such as a
// solved problem count. Apply drops them and reports them changed whenever
// one of the owner's submissions receives a final verdict.
func (c *Cache) DependOnVerdicts(ownerID string, keys ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range keys {
		if !slices.Contains(c.dependents[ownerID], key) {
			c.dependents[ownerID] = append(c.dependents[ownerID], key)
		}
	}
}

// Apply folds ev into every cached page and detail row and returns the keys
// of the entries that changed, sorted. Detail rows are keyed "detail:<id>".
func (c *Cache) Apply(ev submevent.Event) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var changed []string
	for key, p := range c.pages {
		next, ok := ApplyToPage(p, ev)
		if !ok {
			continue
		}
		c.pages[key] = next
		changed = append(changed, key)
	}

	if row, ok := c.details[ev.SubjectID]; ok {
		if ev.IsDeletion() {
			delete(c.details, ev.SubjectID)
			changed = append(changed, "detail:"+ev.SubjectID)
		} else if next, ok := PatchRow(row, ev); ok {
			c.details[ev.SubjectID] = next
			changed = append(changed, "detail:"+ev.SubjectID)
		}
	}

	if ev.UserID != nil && ev.HasFinalVerdict() {
		for _, key := range c.dependents[*ev.UserID] {
			delete(c.pages, key)
			if !slices.Contains(changed, key) {
				changed = append(changed, key)
			}
		}
	}

	slices.Sort(changed)
	return changed
}
