package calendar

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

const dateLayout = "2006-01-02"

// StaticHolidays is a fixed set of dates.
type StaticHolidays struct {
	days map[string]struct{}
}

// NewStaticHolidays parses YYYY-MM-DD dates into a holiday set.
func NewStaticHolidays(dates ...string) (*StaticHolidays, error) {
	s := &StaticHolidays{days: make(map[string]struct{}, len(dates))}
	for _, d := range dates {
		t, err := time.Parse(dateLayout, d)
		if err != nil {
			return nil, fmt.Errorf("holiday date %q: %w", d, err)
		}
		s.days[t.Format(dateLayout)] = struct{}{}
	}
	return s, nil
}

// IsHoliday implements HolidayCalendar.
func (s *StaticHolidays) IsHoliday(day time.Time) bool {
	_, ok := s.days[day.Format(dateLayout)]
	return ok
}

type holidayFile struct {
	Holidays []struct {
		Date string `yaml:"date"`
		Name string `yaml:"name"`
	} `yaml:"holidays"`
}

// LoadHolidayFile reads a YAML holiday list:
//
//	holidays:
//	  - date: "2026-01-01"
//	    name: "New Year's Day"
func LoadHolidayFile(path string) (*StaticHolidays, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read holiday file: %w", err)
	}
	var f holidayFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse holiday file %s: %w", path, err)
	}
	dates := make([]string, 0, len(f.Holidays))
	for _, h := range f.Holidays {
		dates = append(dates, h.Date)
	}
	return NewStaticHolidays(dates...)
}

// FileHolidays serves a YAML holiday file and refreshes it on an interval,
// so calendar updates land without a restart. A failed reload keeps the
// last good set.
type FileHolidays struct {
	path string
	log  zerolog.Logger

	mu  sync.RWMutex
	set *StaticHolidays
}

// NewFileHolidays loads the file once, failing fast on a broken file.
func NewFileHolidays(path string, log zerolog.Logger) (*FileHolidays, error) {
	set, err := LoadHolidayFile(path)
	if err != nil {
		return nil, err
	}
	return &FileHolidays{
		path: path,
		log:  log.With().Str("component", "holidays").Logger(),
		set:  set,
	}, nil
}

// IsHoliday implements HolidayCalendar.
func (f *FileHolidays) IsHoliday(day time.Time) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.set.IsHoliday(day)
}

// Run reloads the file on the interval until the context ends.
func (f *FileHolidays) Run(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.reload(); err != nil {
				f.log.Warn().Err(err).Str("file", f.path).Msg("holiday reload failed")
			}
		}
	}
}

func (f *FileHolidays) reload() error {
	set, err := LoadHolidayFile(f.path)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.set = set
	f.mu.Unlock()
	return nil
}
