package audit

import "sync"

var _ Auditor = (*InMemoryAuditor)(nil)

// InMemoryAuditor keeps the last limit entries.
type InMemoryAuditor struct {
	mu      sync.Mutex
	limit   int
	entries []Entry
}

// NewInMemoryAuditor keeps at most limit entries; limit <= 0 keeps all.
func NewInMemoryAuditor(limit int) *InMemoryAuditor {
	return &InMemoryAuditor{limit: limit}
}

func (i *InMemoryAuditor) Log(entry Entry) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.entries = append(i.entries, entry)
	if i.limit > 0 && len(i.entries) > i.limit {
		i.entries = i.entries[len(i.entries)-i.limit:]
	}
	return nil
}

// Recent returns up to limit of the newest entries, oldest first.
func (i *InMemoryAuditor) Recent(limit int) []Entry {
	return i.Find(func(Entry) bool { return true }, limit)
}

// Find returns up to limit of the newest entries matching filter, oldest first.
func (i *InMemoryAuditor) Find(filter func(entry Entry) bool, limit int) []Entry {
	i.mu.Lock()
	defer i.mu.Unlock()

	var matches []Entry
	for _, entry := range i.entries {
		if filter(entry) {
			matches = append(matches, entry)
		}
	}
	if limit > 0 && len(matches) > limit {
		matches = matches[len(matches)-limit:]
	}
	return matches
}

func (i *InMemoryAuditor) Close() error {
	return nil
}

// MultiAuditor logs to all auditors and returns the first error.
type MultiAuditor []Auditor

func (m MultiAuditor) Log(entry Entry) error {
	var first error
	for _, a := range m {
		if err := a.Log(entry); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m MultiAuditor) Close() error {
	var first error
	for _, a := range m {
		if err := a.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
