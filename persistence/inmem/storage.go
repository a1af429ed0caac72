// Package inmem is the in-memory storage implementation. Each run is
// guarded by its own mutex, which gives Transact the read-modify-write
// serialization the engine requires.
package inmem

import (
	"context"
	"fmt"
	"sync"

	"github.com/mukund-aria/ai-flow-saas-sub001/model"
	"github.com/mukund-aria/ai-flow-saas-sub001/persistence"
	"github.com/mukund-aria/ai-flow-saas-sub001/util"
)

type Storage struct {
	mu        sync.Mutex
	runs      map[string]*persistence.RunState
	runLocks  map[string]*sync.Mutex
	rotations map[string]int64
	defs      map[string]model.FlowDefinition
	codec     util.Codec[persistence.RunState]
}

var _ persistence.Storage = new(Storage)
var _ persistence.DefinitionStorage = new(Storage)

func NewStorage() *Storage {
	return &Storage{
		runs:      make(map[string]*persistence.RunState),
		runLocks:  make(map[string]*sync.Mutex),
		rotations: make(map[string]int64),
		defs:      make(map[string]model.FlowDefinition),
		codec:     util.NewJsonCodec[persistence.RunState](),
	}
}

func (s *Storage) lockFor(runId string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.runLocks[runId]
	if !ok {
		l = &sync.Mutex{}
		s.runLocks[runId] = l
	}
	return l
}

// snapshot round-trips through the codec so callers never alias stored
// state.
func (s *Storage) snapshot(state *persistence.RunState) (*persistence.RunState, error) {
	data, err := s.codec.Encode(*state)
	if err != nil {
		return nil, err
	}
	return s.codec.Decode(data)
}

func (s *Storage) CreateRun(ctx context.Context, state *persistence.RunState) error {
	lock := s.lockFor(state.Run.Id)
	lock.Lock()
	defer lock.Unlock()
	s.mu.Lock()
	_, exists := s.runs[state.Run.Id]
	s.mu.Unlock()
	if exists {
		return model.TransientError{Cause: fmt.Errorf("run %s already exists", state.Run.Id)}
	}
	copied, err := s.snapshot(state)
	if err != nil {
		return model.TransientError{Cause: err}
	}
	s.mu.Lock()
	s.runs[state.Run.Id] = copied
	s.mu.Unlock()
	return nil
}

func (s *Storage) GetRun(ctx context.Context, runId string) (*persistence.RunState, error) {
	s.mu.Lock()
	state, ok := s.runs[runId]
	s.mu.Unlock()
	if !ok {
		return nil, model.NotFoundError{Kind: "run", Id: runId}
	}
	copied, err := s.snapshot(state)
	if err != nil {
		return nil, model.TransientError{Cause: err}
	}
	return copied, nil
}

func (s *Storage) Transact(ctx context.Context, runId string, fn func(state *persistence.RunState) error) error {
	lock := s.lockFor(runId)
	lock.Lock()
	defer lock.Unlock()
	s.mu.Lock()
	state, ok := s.runs[runId]
	s.mu.Unlock()
	if !ok {
		return model.NotFoundError{Kind: "run", Id: runId}
	}
	working, err := s.snapshot(state)
	if err != nil {
		return model.TransientError{Cause: err}
	}
	if err := fn(working); err != nil {
		return err
	}
	s.mu.Lock()
	s.runs[runId] = working
	s.mu.Unlock()
	return nil
}

func (s *Storage) NextRotation(ctx context.Context, definition string, role string) (int64, error) {
	key := definition + ":" + role
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rotations[key]++
	return s.rotations[key], nil
}

func (s *Storage) SaveDefinition(ctx context.Context, def model.FlowDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defs[def.Name] = def
	return nil
}

func (s *Storage) GetDefinition(ctx context.Context, name string) (*model.FlowDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	def, ok := s.defs[name]
	if !ok {
		return nil, model.NotFoundError{Kind: "definition", Id: name}
	}
	copied := def
	return &copied, nil
}

func (s *Storage) DeleteDefinition(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.defs, name)
	return nil
}
