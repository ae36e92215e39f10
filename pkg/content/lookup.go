// Package content defines the content lookup consumed by message and question nodes.
package content

import (
	"context"
	"errors"
	"math/rand/v2"
	"reflect"
	"slices"
	"sync"

	"github.com/dukex/chatflow/pkg/models"
)

var ErrContentNotFound = errors.New("content not found")

// Lookup resolves CMS-sourced content.
type Lookup interface {
	GetContent(ctx context.Context, id string) (*models.ContentItem, error)

	// RandomContent returns up to query.Count items of query.Type that share at
	// least one tag with query.Tags (when given), whose content contains every
	// filter key/value and whose id is not excluded.
	RandomContent(ctx context.Context, query models.RandomContentQuery) ([]models.ContentItem, error)
}

// Static is an in-memory Lookup, used in development and tests.
type Static struct {
	mu    sync.RWMutex
	items map[string]models.ContentItem
	order []string
}

func NewStatic(items ...models.ContentItem) *Static {
	static := &Static{items: make(map[string]models.ContentItem, len(items))}
	for _, item := range items {
		static.Put(item)
	}

	return static
}

func (s *Static) Put(item models.ContentItem) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.items[item.ID]; !exists {
		s.order = append(s.order, item.ID)
	}

	s.items[item.ID] = item
}

func (s *Static) GetContent(_ context.Context, id string) (*models.ContentItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.items[id]
	if !ok {
		return nil, ErrContentNotFound
	}

	return &item, nil
}

func (s *Static) RandomContent(_ context.Context, query models.RandomContentQuery) ([]models.ContentItem, error) {
	s.mu.RLock()

	var candidates []models.ContentItem

	for _, id := range s.order {
		item := s.items[id]
		if Matches(item, query) {
			candidates = append(candidates, item)
		}
	}

	s.mu.RUnlock()

	rand.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})

	count := max(query.Count, 1)
	if len(candidates) > count {
		candidates = candidates[:count]
	}

	return candidates, nil
}

// Matches reports whether item satisfies the query filters.
func Matches(item models.ContentItem, query models.RandomContentQuery) bool {
	if item.Type != query.Type || slices.Contains(query.ExcludeIDs, item.ID) {
		return false
	}

	if len(query.Tags) > 0 && !slices.ContainsFunc(query.Tags, func(tag string) bool {
		return slices.Contains(item.Tags, tag)
	}) {
		return false
	}

	for key, want := range query.Filters {
		if got, ok := item.Content[key]; !ok || !reflect.DeepEqual(got, want) {
			return false
		}
	}

	return true
}
