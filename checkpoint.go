// checkpoint.go: immutable module checkpoints for hot-swap rollback
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package hotmod

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Checkpoint captures one version of a module: the spec it was loaded from,
// its exported state and the channels it was subscribed to.
type Checkpoint struct {
	ID          string
	ModuleID    string
	Version     string
	Spec        ModuleSpec
	Connections []string
	CreatedAt   time.Time

	state *structpb.Struct
}

// CheckpointInfo describes a stored checkpoint.
type CheckpointInfo struct {
	ID          string    `json:"id"`
	ModuleID    string    `json:"module_id"`
	Version     string    `json:"version"`
	HasState    bool      `json:"has_state"`
	Connections []string  `json:"connections,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// HasState reports whether the module exported state.
func (c *Checkpoint) HasState() bool { return c.state != nil }

// State returns a fresh copy of the captured state, nil if none was exported.
func (c *Checkpoint) State() map[string]any {
	if c.state == nil {
		return nil
	}
	return c.state.AsMap()
}

// Info returns the descriptive part of the checkpoint.
func (c *Checkpoint) Info() CheckpointInfo {
	return CheckpointInfo{
		ID:          c.ID,
		ModuleID:    c.ModuleID,
		Version:     c.Version,
		HasState:    c.state != nil,
		Connections: append([]string(nil), c.Connections...),
		CreatedAt:   c.CreatedAt,
	}
}

// newCheckpoint snapshots state into a protobuf Struct owned by the checkpoint.
func newCheckpoint(spec ModuleSpec, state map[string]any, connections []string) (*Checkpoint, error) {
	cp := &Checkpoint{
		ID:          ulid.Make().String(),
		ModuleID:    spec.ID,
		Version:     spec.Version,
		Spec:        spec,
		Connections: append([]string(nil), connections...),
		CreatedAt:   time.Now(),
	}
	if state == nil {
		return cp, nil
	}
	snapshot, err := snapshotState(state)
	if err != nil {
		return nil, NewStateSnapshotError(spec.ID, err)
	}
	cp.state = proto.Clone(snapshot).(*structpb.Struct)
	return cp, nil
}

// snapshotState converts state to a Struct. Values structpb cannot take
// directly (typed slices and maps, structs) go through a JSON round trip.
func snapshotState(state map[string]any) (*structpb.Struct, error) {
	if s, err := structpb.NewStruct(state); err == nil {
		return s, nil
	}
	data, err := json.Marshal(state)
	if err != nil {
		return nil, err
	}
	var normalized map[string]any
	if err := json.Unmarshal(data, &normalized); err != nil {
		return nil, err
	}
	return structpb.NewStruct(normalized)
}

// checkpointStore keeps checkpoints per module, oldest first.
type checkpointStore struct {
	mu       sync.RWMutex
	byModule map[string][]*Checkpoint
}

func newCheckpointStore() *checkpointStore {
	return &checkpointStore{byModule: make(map[string][]*Checkpoint)}
}

func (s *checkpointStore) add(cp *Checkpoint) {
	s.mu.Lock()
	s.byModule[cp.ModuleID] = append(s.byModule[cp.ModuleID], cp)
	s.mu.Unlock()
}

// get returns checkpoint id of moduleID, or the latest one when id is empty.
func (s *checkpointStore) get(moduleID, id string) (*Checkpoint, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.byModule[moduleID]
	if len(list) == 0 {
		return nil, false
	}
	if id == "" {
		return list[len(list)-1], true
	}
	for _, cp := range list {
		if cp.ID == id {
			return cp, true
		}
	}
	return nil, false
}

func (s *checkpointStore) list(moduleID string) []CheckpointInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]CheckpointInfo, 0, len(s.byModule[moduleID]))
	for _, cp := range s.byModule[moduleID] {
		out = append(out, cp.Info())
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *checkpointStore) remove(moduleID, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.byModule[moduleID]
	for i, cp := range list {
		if cp.ID == id {
			s.byModule[moduleID] = append(list[:i:i], list[i+1:]...)
			if len(s.byModule[moduleID]) == 0 {
				delete(s.byModule, moduleID)
			}
			return true
		}
	}
	return false
}

// prune keeps the newest keep checkpoints of moduleID and returns how many
// were dropped.
func (s *checkpointStore) prune(moduleID string, keep int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.byModule[moduleID]
	if keep < 0 {
		keep = 0
	}
	if len(list) <= keep {
		return 0
	}
	dropped := len(list) - keep
	if keep == 0 {
		delete(s.byModule, moduleID)
	} else {
		s.byModule[moduleID] = append([]*Checkpoint(nil), list[dropped:]...)
	}
	return dropped
}

func (s *checkpointStore) count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, list := range s.byModule {
		n += len(list)
	}
	return n
}
