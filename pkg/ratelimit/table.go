package ratelimit

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Named categories
const (
	CategoryVote         = "vote"
	CategoryPost         = "post"
	CategoryComment      = "comment"
	CategoryNotification = "notification"
	CategoryPersona      = "persona"
	CategoryClaimToken   = "claim-token"
	CategoryBilling      = "billing"
	CategoryRegister     = "register"

	// CategoryDaily is the plan ceiling window; it cannot be configured in the table
	CategoryDaily = "daily"
)

// ErrUnknownCategory is returned for a category missing from the table
var ErrUnknownCategory = errors.New("unknown rate limit category")

// Limit is a maximum number of requests per fixed window
type Limit struct {
	MaxRequests int           `yaml:"max_requests"`
	Window      time.Duration `yaml:"-"`
	WindowMs    int64         `yaml:"window_ms"`
}

// NewLimit builds a limit from a request count and window length
func NewLimit(maxRequests int, window time.Duration) Limit {
	return Limit{MaxRequests: maxRequests, Window: window, WindowMs: window.Milliseconds()}
}

// Validate checks that the limit can be enforced
func (l Limit) Validate() error {
	if l.MaxRequests < 0 {
		return fmt.Errorf("max_requests must not be negative, got %d", l.MaxRequests)
	}
	if l.Window < time.Millisecond {
		return fmt.Errorf("window must be at least 1ms, got %s", l.Window)
	}
	return nil
}

// DefaultLimits returns the built-in category table
func DefaultLimits() map[string]Limit {
	return map[string]Limit{
		CategoryVote:         NewLimit(100, time.Hour),
		CategoryPost:         NewLimit(10, time.Hour),
		CategoryComment:      NewLimit(60, time.Hour),
		CategoryNotification: NewLimit(120, time.Minute),
		CategoryPersona:      NewLimit(10, time.Hour),
		CategoryClaimToken:   NewLimit(5, time.Hour),
		CategoryBilling:      NewLimit(20, time.Hour),
		CategoryRegister:     NewLimit(10, time.Hour),
	}
}

// Table holds the named category limits. It is safe for concurrent use and can be replaced
// wholesale on reload.
type Table struct {
	mu     sync.RWMutex
	limits map[string]Limit
}

// NewTable creates a table; a nil map means DefaultLimits
func NewTable(limits map[string]Limit) *Table {
	if limits == nil {
		limits = DefaultLimits()
	}
	return &Table{limits: copyLimits(limits)}
}

// Get returns the limit for a category
func (t *Table) Get(category string) (Limit, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	l, ok := t.limits[category]
	return l, ok
}

// Replace swaps in a new set of limits after validating every entry
func (t *Table) Replace(limits map[string]Limit) error {
	if err := validateLimits(limits); err != nil {
		return err
	}
	t.mu.Lock()
	t.limits = copyLimits(limits)
	t.mu.Unlock()
	return nil
}

// Categories returns the configured category names, sorted
func (t *Table) Categories() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	names := make([]string, 0, len(t.limits))
	for name := range t.limits {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type limitsFile struct {
	// Replace drops the defaults instead of merging over them
	Replace    bool             `yaml:"replace"`
	Categories map[string]Limit `yaml:"categories"`
}

// LoadFile reads a YAML limits file. Entries are merged over DefaultLimits unless the file sets
// replace: true.
func LoadFile(path string) (map[string]Limit, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read limits file: %w", err)
	}
	return ParseLimits(data)
}

// ParseLimits decodes a YAML limits document
func ParseLimits(data []byte) (map[string]Limit, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errors.New("limits file is empty")
	}
	var f limitsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse limits file: %w", err)
	}

	limits := DefaultLimits()
	if f.Replace {
		limits = make(map[string]Limit, len(f.Categories))
	}
	for name, l := range f.Categories {
		limits[name] = NewLimit(l.MaxRequests, time.Duration(l.WindowMs)*time.Millisecond)
	}
	if err := validateLimits(limits); err != nil {
		return nil, err
	}
	return limits, nil
}

func validateLimits(limits map[string]Limit) error {
	for name, l := range limits {
		if name == CategoryDaily {
			return fmt.Errorf("category %q is reserved", CategoryDaily)
		}
		if err := l.Validate(); err != nil {
			return fmt.Errorf("category %q: %w", name, err)
		}
	}
	return nil
}

func copyLimits(in map[string]Limit) map[string]Limit {
	out := make(map[string]Limit, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
