// Package gossipstore holds the broker's cached view of known peer
// descriptors ("gossip" blobs), refreshed no more often than a
// configured minimum interval.
package gossipstore

import (
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"
)

type gossipRow struct {
	ID   uint   `gorm:"primaryKey"`
	Blob []byte `gorm:"not null"`
}

// Store caches the latest serialized set of peer descriptors. Safe for
// concurrent use.
type Store struct {
	db          *gorm.DB
	refreshRate time.Duration
	mu          sync.Mutex
	lastUpdate  time.Time
	haveUpdated bool
}

// NewStore opens (and migrates) a gossip store backed by db, gated to
// refresh no more often than refreshRate.
func NewStore(db *gorm.DB, refreshRate time.Duration) (*Store, error) {
	if err := db.AutoMigrate(&gossipRow{}); err != nil {
		return nil, fmt.Errorf("gossipstore: migrate: %w", err)
	}
	return &Store{db: db, refreshRate: refreshRate}, nil
}

// NeedsUpdate reports whether refreshRate has elapsed since the last
// successful Update (or since construction, if never updated).
func (s *Store) NeedsUpdate(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.haveUpdated {
		return true
	}
	return now.Sub(s.lastUpdate) > s.refreshRate
}

// Update atomically replaces the stored set of gossip blobs and resets
// the refresh clock.
func (s *Store) Update(now time.Time, blobs [][]byte) error {
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&gossipRow{}).Error; err != nil {
			return err
		}
		for _, b := range blobs {
			if err := tx.Create(&gossipRow{Blob: b}).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("gossipstore: update: %w", err)
	}

	s.mu.Lock()
	s.lastUpdate = now
	s.haveUpdated = true
	s.mu.Unlock()
	return nil
}

// Gossips returns the currently cached set of gossip blobs.
func (s *Store) Gossips() ([][]byte, error) {
	var rows []gossipRow
	if err := s.db.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("gossipstore: gossips: %w", err)
	}
	out := make([][]byte, len(rows))
	for i, r := range rows {
		out[i] = r.Blob
	}
	return out, nil
}
