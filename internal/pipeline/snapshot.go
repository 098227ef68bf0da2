package pipeline

import (
	"encoding/json"

	"github.com/casetrace/casetrace/internal/domain"
)

// SaveState serializes an investigation to a JSON-compatible map, or nil
// when the id is unknown. Kinds serialize as snake_case tags and
// timestamps as ISO-8601 strings.
func (p *Pipeline) SaveState(id string) map[string]interface{} {
	p.mu.Lock()
	inv, ok := p.investigations[id]
	if !ok {
		p.mu.Unlock()
		return nil
	}
	raw, err := json.Marshal(inv)
	p.mu.Unlock()
	if err != nil {
		p.logger.Error("Failed to serialize investigation %s: %v", id, err)
		return nil
	}

	var snapshot map[string]interface{}
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		p.logger.Error("Failed to round-trip investigation %s: %v", id, err)
		return nil
	}
	return snapshot
}

// LoadState restores an investigation from a snapshot under the given id.
// Legacy snapshots with non-canonical kind tags load through the lenient
// kind parser. It reports whether the snapshot decoded cleanly.
func (p *Pipeline) LoadState(id string, snapshot map[string]interface{}) bool {
	raw, err := json.Marshal(snapshot)
	if err != nil {
		p.logger.Error("Undecodable snapshot for %s: %v", id, err)
		return false
	}

	var inv domain.Investigation
	if err := json.Unmarshal(raw, &inv); err != nil {
		p.logger.Error("Corrupt snapshot for %s: %v", id, err)
		return false
	}

	for _, phase := range inv.Phases {
		if !phase.Kind.Valid() {
			kind, err := domain.ParseKind(string(phase.Kind))
			if err != nil {
				p.logger.Error("Snapshot for %s has unknown phase kind %q", id, phase.Kind)
				return false
			}
			phase.Kind = kind
		}
	}

	inv.ID = id
	if inv.EntitiesDiscovered == nil {
		inv.EntitiesDiscovered = make(map[string]domain.Entity)
	}
	if inv.Findings == nil {
		inv.Findings = make(map[string]map[string]interface{})
	}

	p.mu.Lock()
	p.investigations[id] = &inv
	p.mu.Unlock()
	return true
}
