package store

import (
	"context"
	"sort"
	"sync"

	"github.com/exospherehost/state-manager/internal/model"
)

// Memory is an in-process Store with the same index semantics as the Mongo
// implementation. It backs the test suite and local development.
type Memory struct {
	mu        sync.Mutex
	templates map[nsName]*model.GraphTemplate
	nodes     map[nsName]*model.RegisteredNode
	runs      map[string]*model.Run
	entries   map[string]map[string]*model.StoreEntry // run_id -> key
	states    map[string]*memState
	seq       int64
}

type nsName struct{ namespace, name string }

type memState struct {
	state *model.State
	seq   int64 // insertion order, tie-breaker after eligible_at and created_at
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		templates: map[nsName]*model.GraphTemplate{},
		nodes:     map[nsName]*model.RegisteredNode{},
		runs:      map[string]*model.Run{},
		entries:   map[string]map[string]*model.StoreEntry{},
		states:    map[string]*memState{},
	}
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) UpsertGraphTemplate(_ context.Context, g *model.GraphTemplate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *g
	m.templates[nsName{g.Namespace, g.Name}] = &cp
	return nil
}

func (m *Memory) GetGraphTemplate(_ context.Context, namespace, name string) (*model.GraphTemplate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.templates[nsName{namespace, name}]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *g
	return &cp, nil
}

func (m *Memory) ListGraphTemplates(_ context.Context, namespace string) ([]*model.GraphTemplate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.GraphTemplate
	for k, g := range m.templates {
		if k.namespace == namespace {
			cp := *g
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Memory) SetGraphValidation(_ context.Context, namespace, name string, status model.ValidationStatus, errs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.templates[nsName{namespace, name}]
	if !ok {
		return ErrNotFound
	}
	g.ValidationStatus = status
	g.ValidationErrors = errs
	return nil
}

func (m *Memory) UpsertRegisteredNodes(_ context.Context, nodes []*model.RegisteredNode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range nodes {
		cp := *n
		m.nodes[nsName{n.Namespace, n.Name}] = &cp
	}
	return nil
}

func (m *Memory) GetRegisteredNode(_ context.Context, namespace, name string) (*model.RegisteredNode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[nsName{namespace, name}]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *n
	return &cp, nil
}

func (m *Memory) ListRegisteredNodes(_ context.Context, namespace string) ([]*model.RegisteredNode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.RegisteredNode
	for k, n := range m.nodes {
		if k.namespace == namespace {
			cp := *n
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Memory) InsertRun(_ context.Context, r *model.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[r.RunID]; ok {
		return ErrDuplicateKey
	}
	cp := *r
	m.runs[r.RunID] = &cp
	return nil
}

func (m *Memory) GetRun(_ context.Context, runID string) (*model.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *Memory) ListRuns(_ context.Context, namespace string, page, size int) ([]*model.Run, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []*model.Run
	for _, r := range m.runs {
		if r.Namespace == namespace {
			cp := *r
			all = append(all, &cp)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt != all[j].CreatedAt {
			return all[i].CreatedAt > all[j].CreatedAt
		}
		return all[i].RunID > all[j].RunID
	})
	total := int64(len(all))
	start := (page - 1) * size
	if start >= len(all) {
		return nil, total, nil
	}
	end := start + size
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], total, nil
}

func (m *Memory) InsertStoreEntries(_ context.Context, entries []*model.StoreEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entries {
		if _, ok := m.entries[e.RunID][e.Key]; ok {
			return ErrDuplicateKey
		}
	}
	for _, e := range entries {
		if m.entries[e.RunID] == nil {
			m.entries[e.RunID] = map[string]*model.StoreEntry{}
		}
		cp := *e
		m.entries[e.RunID][e.Key] = &cp
	}
	return nil
}

func (m *Memory) GetStoreEntry(_ context.Context, runID, key string) (*model.StoreEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[runID][key]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *Memory) InsertState(_ context.Context, s *model.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.states[s.ID]; ok {
		return ErrDuplicateKey
	}
	for _, ms := range m.states {
		o := ms.state
		if s.RetryKey != "" && o.RetryKey == s.RetryKey {
			return ErrDuplicateKey
		}
		if s.DoesUnites && o.DoesUnites && o.Fingerprint == s.Fingerprint {
			return ErrDuplicateKey
		}
	}
	m.seq++
	m.states[s.ID] = &memState{state: cloneState(s), seq: m.seq}
	return nil
}

func (m *Memory) GetState(_ context.Context, id string) (*model.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ms, ok := m.states[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneState(ms.state), nil
}

func (m *Memory) UpdateStateStatus(_ context.Context, id string, from []model.Status, to model.Status, patch StatePatch) (*model.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ms, ok := m.states[id]
	if !ok {
		return nil, ErrNotFound
	}
	matched := false
	for _, f := range from {
		if ms.state.Status == f {
			matched = true
			break
		}
	}
	if !matched {
		return nil, ErrPrecondition
	}
	ms.state.Status = to
	applyPatch(ms.state, patch)
	return cloneState(ms.state), nil
}

func (m *Memory) LeaseNextState(_ context.Context, namespace string, nodeNames []string, now int64) (*model.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	accept := map[string]bool{}
	for _, n := range nodeNames {
		accept[n] = true
	}
	var best *memState
	for _, ms := range m.states {
		s := ms.state
		if s.Namespace != namespace || s.Status != model.StatusCreated || !accept[s.NodeName] || s.EligibleAt > now {
			continue
		}
		if best == nil || leaseBefore(ms, best) {
			best = ms
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	best.state.Status = model.StatusQueued
	best.state.UpdatedAt = now
	return cloneState(best.state), nil
}

// leaseBefore orders candidates FIFO: eligible_at, then created_at, then
// insertion order.
func leaseBefore(a, b *memState) bool {
	if a.state.EligibleAt != b.state.EligibleAt {
		return a.state.EligibleAt < b.state.EligibleAt
	}
	if a.state.CreatedAt != b.state.CreatedAt {
		return a.state.CreatedAt < b.state.CreatedAt
	}
	return a.seq < b.seq
}

func (m *Memory) ListStatesByRun(_ context.Context, runID string) ([]*model.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*memState
	for _, ms := range m.states {
		if ms.state.RunID == runID {
			out = append(out, ms)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	states := make([]*model.State, len(out))
	for i, ms := range out {
		states[i] = cloneState(ms.state)
	}
	return states, nil
}

func (m *Memory) ListStatesByAncestor(_ context.Context, runID, graphName, ancestorIdentifier, ancestorStateID string) ([]*model.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.State
	for _, ms := range m.states {
		s := ms.state
		if s.RunID != runID || s.GraphName != graphName {
			continue
		}
		if id, ok := s.Parents.Get(ancestorIdentifier); ok && id == ancestorStateID {
			out = append(out, cloneState(s))
		}
	}
	return out, nil
}

func applyPatch(s *model.State, patch StatePatch) {
	if patch.Outputs != nil {
		s.Outputs = patch.Outputs
	}
	if patch.Error != nil {
		s.Error = *patch.Error
	}
	if patch.Data != nil {
		s.Data = patch.Data
	}
	if patch.EligibleAt != nil {
		s.EligibleAt = *patch.EligibleAt
	}
	if patch.UpdatedAt != 0 {
		s.UpdatedAt = patch.UpdatedAt
	}
}

func cloneState(s *model.State) *model.State {
	cp := *s
	cp.Inputs = cloneMap(s.Inputs)
	cp.Outputs = cloneMap(s.Outputs)
	if s.Data != nil {
		cp.Data = make(map[string]any, len(s.Data))
		for k, v := range s.Data {
			cp.Data[k] = v
		}
	}
	cp.Parents = append(model.Parents(nil), s.Parents...)
	return &cp
}

func cloneMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
