package pipeline

import (
	"sync"

	"github.com/garyjia/kra-fiscalizer/internal/models"
	"github.com/garyjia/kra-fiscalizer/internal/tariff"
	"go.uber.org/zap"
)

// Session owns the tariff index for a run of the fiscalizer.
// Reloads take the write lock; resolving an invoice's items holds the read lock,
// so one invoice never sees two reference sets.
type Session struct {
	mu            sync.RWMutex
	index         *tariff.Index
	referencePath string
	logger        *zap.Logger
}

// NewSession creates a session around an empty index
func NewSession(cfg tariff.Config, referencePath string, logger *zap.Logger) *Session {
	return &Session{
		index:         tariff.NewIndex(cfg, logger),
		referencePath: referencePath,
		logger:        logger,
	}
}

// Reload reads the reference workbook at path, or the configured one when path is empty.
// A rejected workbook leaves the index empty; Resolve then falls back to category codes.
func (s *Session) Reload(path string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if path == "" {
		path = s.referencePath
	}
	if err := s.index.LoadWorkbook(path); err != nil {
		s.logger.Error("Tariff reference reload failed", zap.String("path", path), zap.Error(err))
		return 0, err
	}
	s.referencePath = path
	return s.index.Len(), nil
}

// LoadRows replaces the reference data with already-read rows
func (s *Session) LoadRows(rows [][]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index.Load(rows)
}

// ResolveItems returns copies of items carrying their resolved HS codes
func (s *Session) ResolveItems(items []models.LineItem) []models.LineItem {
	s.mu.RLock()
	defer s.mu.RUnlock()

	resolved := make([]models.LineItem, len(items))
	for i, item := range items {
		code, source := s.index.ResolveWithSource(item.ItemCode, item.Description)
		s.logger.Debug("HS code resolved",
			zap.String("item_code", item.ItemCode),
			zap.String("hs_code", code),
			zap.String("source", string(source)))
		resolved[i] = item.WithHSCode(code)
	}
	return resolved
}

// Resolve looks up a single item
func (s *Session) Resolve(itemCode, description string) (string, tariff.Source) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.index.ResolveWithSource(itemCode, description)
}

// Materials returns the number of loaded reference rows
func (s *Session) Materials() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.index.Len()
}

// ReferencePath returns the workbook most recently loaded
func (s *Session) ReferencePath() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.referencePath
}
