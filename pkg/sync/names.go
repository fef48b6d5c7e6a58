package sync

import (
	"html"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/text/unicode/norm"

	"github.com/jscharber/coursemirror/pkg/core"
)

// MaxFolderNameLength is the longest folder name, in runes, sent to any provider
const MaxFolderNameLength = 255

// NameFilter rewrites a folder name before sanitization
type NameFilter func(name string, entity core.Entity) string

// Namer derives remote folder names from entity titles
type Namer struct {
	mu      sync.RWMutex
	filters []NameFilter
	policy  *bluemonday.Policy
}

// NewNamer creates a namer with the given filters applied in order
func NewNamer(filters ...NameFilter) *Namer {
	return &Namer{
		filters: filters,
		policy:  bluemonday.StrictPolicy(),
	}
}

// AddFilter appends a filter to the chain
func (n *Namer) AddFilter(filter NameFilter) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.filters = append(n.filters, filter)
}

// FolderName returns the folder name for entity. An empty result means the
// entity has no usable name and must be skipped.
func (n *Namer) FolderName(entity core.Entity) string {
	name := entity.Title

	n.mu.RLock()
	for _, f := range n.filters {
		name = f(name, entity)
	}
	n.mu.RUnlock()

	return n.Sanitize(name)
}

// Sanitize strips markup and characters providers reject
func (n *Namer) Sanitize(name string) string {
	name = n.policy.Sanitize(name)
	name = html.UnescapeString(name)
	name = norm.NFC.String(name)

	name = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '-'
		}
		if unicode.IsControl(r) {
			return ' '
		}
		return r
	}, name)

	name = strings.Join(strings.Fields(name), " ")
	name = strings.TrimRight(name, ". ")

	if utf8.RuneCountInString(name) > MaxFolderNameLength {
		runes := []rune(name)
		name = strings.TrimRight(string(runes[:MaxFolderNameLength]), ". ")
	}
	return name
}
