package harvester

import "github.com/Togather-Foundation/harvester/internal/oaipmh"

// dedupMap keeps the first record seen for each identifier, in the order
// identifiers were first seen. It is not safe for concurrent use; sets are
// harvested into separate partitions and merged by a single goroutine.
type dedupMap struct {
	index   map[string]int
	records []oaipmh.Record
}

func newDedupMap() *dedupMap {
	return &dedupMap{index: make(map[string]int)}
}

// add reports whether rec was new. Records without an identifier cannot
// be matched and are always kept.
func (m *dedupMap) add(rec oaipmh.Record) bool {
	if rec.Identifier == "" {
		m.records = append(m.records, rec)
		return true
	}
	if _, seen := m.index[rec.Identifier]; seen {
		return false
	}
	m.index[rec.Identifier] = len(m.records)
	m.records = append(m.records, rec)
	return true
}

func (m *dedupMap) len() int { return len(m.records) }

func (m *dedupMap) list() []oaipmh.Record { return m.records }
