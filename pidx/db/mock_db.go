package db

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/ZanzyTHEbar/pageindex/pidx/trees"

	"github.com/google/uuid"
)

type pageKey struct {
	id   uuid.UUID
	lang int
}

type redirectKey struct {
	lang int
	url  string
}

// MockPageStore is an in-memory Store for tests. Error fields, when set, are
// returned by the matching method; PagesHook runs at the start of every
// PagesForLanguage call.
type MockPageStore struct {
	mu           sync.Mutex
	pages        map[pageKey]trees.PageRecord
	redirects    map[redirectKey]uuid.UUID
	nextInstance int64
	pageLoads    map[int]int

	LanguagesErr error
	PagesErr     map[int]error
	SaveErr      error
	DeleteErr    error
	MoveErr      error
	PagesHook    func(ctx context.Context, languageID int)
}

func NewMockPageStore() *MockPageStore {
	return &MockPageStore{
		pages:     make(map[pageKey]trees.PageRecord),
		redirects: make(map[redirectKey]uuid.UUID),
		pageLoads: make(map[int]int),
		PagesErr:  make(map[int]error),
	}
}

// Seed stores records as-is, bypassing error injection.
func (m *MockPageStore) Seed(records ...trees.PageRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range records {
		m.put(rec)
	}
}

// SetPagesErr makes PagesForLanguage fail for one language; nil clears it.
func (m *MockPageStore) SetPagesErr(languageID int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.PagesErr, languageID)
		return
	}
	m.PagesErr[languageID] = err
}

// PageLoads reports how many times a language was loaded.
func (m *MockPageStore) PageLoads(languageID int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pageLoads[languageID]
}

func (m *MockPageStore) Close() error {
	return nil
}

func (m *MockPageStore) Languages(ctx context.Context) ([]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.LanguagesErr != nil {
		return nil, m.LanguagesErr
	}

	var langs []int
	for k := range m.pages {
		if !slices.Contains(langs, k.lang) {
			langs = append(langs, k.lang)
		}
	}
	slices.Sort(langs)
	return langs, nil
}

func (m *MockPageStore) PagesForLanguage(ctx context.Context, languageID int) ([]trees.PageRecord, error) {
	m.mu.Lock()
	hook := m.PagesHook
	m.mu.Unlock()
	if hook != nil {
		hook(ctx, languageID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.pageLoads[languageID]++
	if err := m.PagesErr[languageID]; err != nil {
		return nil, err
	}

	var records []trees.PageRecord
	for k, rec := range m.pages {
		if k.lang == languageID {
			records = append(records, rec)
		}
	}
	slices.SortFunc(records, func(a, b trees.PageRecord) int {
		return cmp.Compare(a.PageInstanceID, b.PageInstanceID)
	})
	return records, nil
}

func (m *MockPageStore) SavePage(ctx context.Context, rec trees.PageRecord) (trees.PageRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SaveErr != nil {
		return rec, m.SaveErr
	}
	if rec.PageID == uuid.Nil {
		return rec, trees.ErrInvalidPageID
	}
	if rec.PageInstanceID == 0 {
		if existing, ok := m.pages[pageKey{rec.PageID, rec.LanguageID}]; ok {
			rec.PageInstanceID = existing.PageInstanceID
		}
	}
	return m.put(rec), nil
}

func (m *MockPageStore) DeletePage(ctx context.Context, pageID uuid.UUID) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.DeleteErr != nil {
		return nil, m.DeleteErr
	}

	removed := m.subtree(pageID)
	if len(removed) == 0 {
		return nil, fmt.Errorf("delete %s: %w", pageID, ErrPageNotFound)
	}

	for k := range m.pages {
		if slices.Contains(removed, k.id) {
			delete(m.pages, k)
		}
	}
	for k, target := range m.redirects {
		if slices.Contains(removed, target) {
			delete(m.redirects, k)
		}
	}
	return removed, nil
}

func (m *MockPageStore) MovePage(ctx context.Context, pageID, newParentID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.MoveErr != nil {
		return m.MoveErr
	}

	subtree := m.subtree(pageID)
	if len(subtree) == 0 {
		return fmt.Errorf("move %s: %w", pageID, ErrPageNotFound)
	}
	if newParentID != uuid.Nil {
		if slices.Contains(subtree, newParentID) {
			return fmt.Errorf("move %s under %s: %w", pageID, newParentID, ErrInvalidMove)
		}
		if !m.exists(newParentID) {
			return fmt.Errorf("move %s under %s: %w", pageID, newParentID, ErrPageNotFound)
		}
	}

	for k, rec := range m.pages {
		if k.id == pageID {
			rec.ParentID = newParentID
			m.pages[k] = rec
		}
	}
	return nil
}

func (m *MockPageStore) PageForPreviousURL(ctx context.Context, languageID int, url string) (uuid.UUID, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.redirects[redirectKey{languageID, NormalizeRedirectURL(url)}]
	return id, ok, nil
}

func (m *MockPageStore) AddRedirect(ctx context.Context, languageID int, url string, pageID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.redirects[redirectKey{languageID, NormalizeRedirectURL(url)}] = pageID
	return nil
}

// put stores rec, assigning an instance id when it has none. Callers hold mu.
func (m *MockPageStore) put(rec trees.PageRecord) trees.PageRecord {
	if rec.PageInstanceID == 0 {
		m.nextInstance++
		rec.PageInstanceID = m.nextInstance
	} else if rec.PageInstanceID > m.nextInstance {
		m.nextInstance = rec.PageInstanceID
	}
	m.pages[pageKey{rec.PageID, rec.LanguageID}] = rec
	return rec
}

func (m *MockPageStore) exists(id uuid.UUID) bool {
	for k := range m.pages {
		if k.id == id {
			return true
		}
	}
	return false
}

// subtree returns pageID and its descendants across languages, pageID first.
func (m *MockPageStore) subtree(pageID uuid.UUID) []uuid.UUID {
	if !m.exists(pageID) {
		return nil
	}

	out := []uuid.UUID{pageID}
	for i := 0; i < len(out); i++ {
		for _, rec := range m.pages {
			if rec.ParentID == out[i] && !slices.Contains(out, rec.PageID) {
				out = append(out, rec.PageID)
			}
		}
	}
	return out
}
