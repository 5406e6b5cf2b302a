// Package geoip resolves client addresses to country codes for audit
// records, with hot-reloading of the on-disk database.
package geoip

import (
	"fmt"
	"log"
	"net"
	"os"
	"sync"
	"time"

	"github.com/oschwald/maxminddb-golang"
	"github.com/robfig/cron/v3"
)

// Service provides country lookups over a MaxMind database file. The reader
// is swapped under a write lock so lookups never observe a closed handle.
type Service struct {
	mu     sync.RWMutex
	reader *maxminddb.Reader

	path     string
	loadedAt time.Time
}

// NewService opens the database at path. A missing file is not fatal:
// lookups return "" until a reload finds one.
func NewService(path string) *Service {
	s := &Service{path: path}
	if err := s.Reload(); err != nil {
		log.Printf("[geoip] initial load: %v", err)
	}
	return s
}

// Reload re-opens the database when the file on disk is newer than the
// loaded copy.
func (s *Service) Reload() error {
	info, err := os.Stat(s.path)
	if err != nil {
		return fmt.Errorf("geoip: stat %s: %w", s.path, err)
	}
	s.mu.RLock()
	current := s.loadedAt
	s.mu.RUnlock()
	if !info.ModTime().After(current) {
		return nil
	}
	reader, err := maxminddb.Open(s.path)
	if err != nil {
		return fmt.Errorf("geoip: open %s: %w", s.path, err)
	}
	s.mu.Lock()
	old := s.reader
	s.reader = reader
	s.loadedAt = info.ModTime()
	s.mu.Unlock()
	if old != nil {
		old.Close()
	}
	log.Printf("[geoip] loaded %s (modified %s)", s.path, info.ModTime().UTC().Format(time.RFC3339))
	return nil
}

// Schedule registers the periodic reload check on the given cron runner.
func (s *Service) Schedule(c *cron.Cron, spec string) error {
	_, err := c.AddFunc(spec, func() {
		if err := s.Reload(); err != nil {
			log.Printf("[geoip] reload: %v", err)
		}
	})
	return err
}

// Close releases the current reader.
func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reader != nil {
		s.reader.Close()
		s.reader = nil
	}
}

type countryRecord struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
}

// Country returns the ISO country code for an address, or "" when the
// database is absent or the address is unknown.
func (s *Service) Country(addr string) string {
	ip := net.ParseIP(addr)
	if ip == nil {
		return ""
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.reader == nil {
		return ""
	}
	var record countryRecord
	if err := s.reader.Lookup(ip, &record); err != nil {
		return ""
	}
	return record.Country.ISOCode
}
