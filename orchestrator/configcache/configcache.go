// Package configcache memoizes the five configuration relations consulted by
// the engine: approver rosters, baseline rules, work-allocation rules, the
// distribution matrix, and priority weights. All five live in external
// tables the core never writes.
package configcache

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/GaneshArwan/enterprise-process-automation/orchestrator/mdm"
	"github.com/GaneshArwan/enterprise-process-automation/orchestrator/rowstore"
	"github.com/GaneshArwan/enterprise-process-automation/orchestrator/tabular"
)

// Columns of the configuration tables.
const (
	ColLevel     = "Level"
	ColApprovers = "Approvers"
	ColTaskRange = "Task Range"
	ColSeconds   = "Seconds"
	ColPerTask   = "Per Task"
	ColAgents    = "Agents"
	ColPrimary   = "Primary"
	ColBackup    = "Backup"
	ColBackup2   = "Backup 2"
	ColOperation = "Operation"
	ColPriority  = "Priority"
)

const (
	relationTTL = 5 * time.Minute
	matrixTTL   = 6 * time.Hour

	defaultPriority = 5
)

// Cache reads configuration rows through the row store and keeps them for
// the relation TTL. Lookups scan the cached rows.
type Cache struct {
	store *rowstore.Store
	log   zerolog.Logger
	now   func() time.Time

	mu      sync.Mutex
	entries map[string]entry
}

type entry struct {
	rows []tabular.Record
	at   time.Time
	ttl  time.Duration
}

func New(store *rowstore.Store, log zerolog.Logger) *Cache {
	return &Cache{
		store:   store,
		log:     log.With().Str("component", "configcache").Logger(),
		now:     time.Now,
		entries: make(map[string]entry),
	}
}

// Invalidate drops the cached rows of one relation.
func (c *Cache) Invalidate(table string) {
	c.mu.Lock()
	delete(c.entries, table)
	c.mu.Unlock()
}

// InvalidateAll drops every cached relation.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	c.entries = make(map[string]entry)
	c.mu.Unlock()
}

// rows returns the relation's records, reading through on expiry. The
// returned slice is shared and must not be mutated.
func (c *Cache) rows(ctx context.Context, table string, ttl time.Duration) ([]tabular.Record, error) {
	c.mu.Lock()
	if e, ok := c.entries[table]; ok && c.now().Sub(e.at) < e.ttl {
		c.mu.Unlock()
		return e.rows, nil
	}
	c.mu.Unlock()

	rows, err := c.store.Rows(ctx, table)
	if err != nil {
		return nil, fmt.Errorf("load config table %s: %w", table, err)
	}
	c.mu.Lock()
	c.entries[table] = entry{rows: rows, at: c.now(), ttl: ttl}
	c.mu.Unlock()
	return rows, nil
}

// Approvers resolves the roster for one approval level. Keys are tried in
// priority order: exact, then with useDefault the Department wildcard, the
// RequestType wildcard, and both. The first non-empty roster wins; a roster
// carrying the NO_APPROVER sentinel resolves to an empty list, which callers
// treat as an auto-approved level.
func (c *Cache) Approvers(ctx context.Context, businessUnit, department, requestType string, level int, useDefault bool) ([]string, error) {
	rows, err := c.rows(ctx, mdm.TableApprovers, relationTTL)
	if err != nil {
		return nil, err
	}

	keys := [][2]string{{department, requestType}}
	if useDefault {
		keys = append(keys,
			[2]string{mdm.Wildcard, requestType},
			[2]string{department, mdm.Wildcard},
			[2]string{mdm.Wildcard, mdm.Wildcard},
		)
	}
	want := strconv.Itoa(level)

	for _, key := range keys {
		for _, row := range rows {
			if row[mdm.ColBusinessUnit] != businessUnit ||
				row[mdm.ColDepartment] != key[0] ||
				row[mdm.ColRequestType] != key[1] ||
				row[ColLevel] != want {
				continue
			}
			roster := SplitList(row[ColApprovers])
			if len(roster) == 0 {
				continue
			}
			for _, name := range roster {
				if name == mdm.NoApprover {
					return []string{}, nil
				}
			}
			return roster, nil
		}
	}
	return nil, nil
}

// Baseline resolves (seconds, perTask) for a request type and task count.
// ok is false when no rule range covers the count; that is not an error.
func (c *Cache) Baseline(ctx context.Context, requestType string, totalTask int) (seconds int64, perTask bool, ok bool, err error) {
	rows, rerr := c.rows(ctx, mdm.TableBaseline, relationTTL)
	if rerr != nil {
		return 0, false, false, rerr
	}

	for _, row := range rows {
		if row[mdm.ColRequestType] != requestType {
			continue
		}
		min, max, perr := ParseTaskRange(row[ColTaskRange])
		if perr != nil {
			c.log.Warn().Err(perr).Str("request_type", requestType).Msg("skipping malformed baseline range")
			continue
		}
		if totalTask < min || (max >= 0 && totalTask > max) {
			continue
		}
		secs, serr := strconv.ParseInt(strings.TrimSpace(row[ColSeconds]), 10, 64)
		if serr != nil {
			c.log.Warn().Err(serr).Str("request_type", requestType).Msg("skipping baseline with bad seconds")
			continue
		}
		return secs, mdm.ParseBool(row[ColPerTask]), true, nil
	}
	return 0, false, false, nil
}

// Matrix returns the distribution matrix: request type to eligible agents.
func (c *Cache) Matrix(ctx context.Context) (map[string][]string, error) {
	rows, err := c.rows(ctx, mdm.TableDistribution, matrixTTL)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]string, len(rows))
	for _, row := range rows {
		rtype := row[mdm.ColRequestType]
		if rtype == "" {
			continue
		}
		out[rtype] = append(out[rtype], SplitList(row[ColAgents])...)
	}
	return out, nil
}

// Eligible returns the matrix agents for a request type.
func (c *Cache) Eligible(ctx context.Context, requestType string) ([]string, bool, error) {
	m, err := c.Matrix(ctx)
	if err != nil {
		return nil, false, err
	}
	agents, ok := m[requestType]
	return agents, ok && len(agents) > 0, nil
}

// InvalidateMatrix drops the cached distribution matrix.
func (c *Cache) InvalidateMatrix() { c.Invalidate(mdm.TableDistribution) }

// Allocation resolves the work-allocation rule for the key, with the same
// wildcard precedence as Approvers. The result is an ordered list of
// candidate groups: primary first, then backups.
func (c *Cache) Allocation(ctx context.Context, businessUnit, requestType, department string) ([][]string, error) {
	rows, err := c.rows(ctx, mdm.TableAllocation, relationTTL)
	if err != nil {
		return nil, err
	}

	keys := [][2]string{
		{department, requestType},
		{mdm.Wildcard, requestType},
		{department, mdm.Wildcard},
		{mdm.Wildcard, mdm.Wildcard},
	}
	for _, key := range keys {
		for _, row := range rows {
			if row[mdm.ColBusinessUnit] != businessUnit ||
				row[mdm.ColDepartment] != key[0] ||
				row[mdm.ColRequestType] != key[1] {
				continue
			}
			var groups [][]string
			for _, col := range []string{ColPrimary, ColBackup, ColBackup2} {
				if g := SplitList(row[col]); len(g) > 0 {
					groups = append(groups, g)
				}
			}
			if len(groups) > 0 {
				return groups, nil
			}
		}
	}
	return nil, nil
}

// PriorityFor returns the lock priority weight of an operation, or the
// default weight when the operation has no row.
func (c *Cache) PriorityFor(ctx context.Context, operation string) int {
	rows, err := c.rows(ctx, mdm.TablePriority, relationTTL)
	if err != nil {
		c.log.Warn().Err(err).Msg("priority weights unavailable, using default")
		return defaultPriority
	}
	for _, row := range rows {
		if row[ColOperation] != operation {
			continue
		}
		p, perr := strconv.Atoi(strings.TrimSpace(row[ColPriority]))
		if perr != nil || p <= 0 {
			return defaultPriority
		}
		return p
	}
	return defaultPriority
}

// ParseTaskRange parses a baseline range spec: "n-m" is inclusive on both
// ends, "n+" is open above and reports max = -1.
func ParseTaskRange(spec string) (min, max int, err error) {
	s := strings.TrimSpace(spec)
	if s == "" {
		return 0, 0, fmt.Errorf("empty task range")
	}
	if strings.HasSuffix(s, "+") {
		n, err := strconv.Atoi(strings.TrimSpace(strings.TrimSuffix(s, "+")))
		if err != nil {
			return 0, 0, fmt.Errorf("task range %q: %w", spec, err)
		}
		return n, -1, nil
	}
	lo, hi, found := strings.Cut(s, "-")
	if !found {
		return 0, 0, fmt.Errorf("task range %q: want n-m or n+", spec)
	}
	min, err = strconv.Atoi(strings.TrimSpace(lo))
	if err != nil {
		return 0, 0, fmt.Errorf("task range %q: %w", spec, err)
	}
	max, err = strconv.Atoi(strings.TrimSpace(hi))
	if err != nil {
		return 0, 0, fmt.Errorf("task range %q: %w", spec, err)
	}
	if max < min {
		return 0, 0, fmt.Errorf("task range %q: inverted bounds", spec)
	}
	return min, max, nil
}

// SplitList splits a comma-separated cell into trimmed non-empty items.
func SplitList(cell string) []string {
	if strings.TrimSpace(cell) == "" {
		return nil
	}
	parts := strings.Split(cell, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
