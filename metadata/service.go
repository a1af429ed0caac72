// Package metadata owns flow definitions and their compiled graphs.
package metadata

import (
	"context"
	"fmt"
	"time"

	c "github.com/patrickmn/go-cache"

	"github.com/mukund-aria/ai-flow-saas-sub001/flow"
	"github.com/mukund-aria/ai-flow-saas-sub001/model"
	"github.com/mukund-aria/ai-flow-saas-sub001/persistence"
)

type Service interface {
	SaveDefinition(ctx context.Context, def model.FlowDefinition) error
	GetDefinition(ctx context.Context, name string) (*model.FlowDefinition, error)
	DeleteDefinition(ctx context.Context, name string) error
	// GetGraph returns the compiled graph for a definition, building and
	// caching it on first use. Definitions are immutable per version, so a
	// cached graph never goes stale for a given name+version key.
	GetGraph(ctx context.Context, name string) (*flow.Graph, error)
}

type service struct {
	storage persistence.DefinitionStorage
	graphs  *c.Cache
}

func NewService(storage persistence.DefinitionStorage) Service {
	return &service{
		storage: storage,
		graphs:  c.New(c.NoExpiration, 10*time.Minute),
	}
}

func (s *service) SaveDefinition(ctx context.Context, def model.FlowDefinition) error {
	if _, err := flow.Build(&def); err != nil {
		return err
	}
	return s.storage.SaveDefinition(ctx, def)
}

func (s *service) GetDefinition(ctx context.Context, name string) (*model.FlowDefinition, error) {
	return s.storage.GetDefinition(ctx, name)
}

func (s *service) DeleteDefinition(ctx context.Context, name string) error {
	return s.storage.DeleteDefinition(ctx, name)
}

func (s *service) GetGraph(ctx context.Context, name string) (*flow.Graph, error) {
	def, err := s.storage.GetDefinition(ctx, name)
	if err != nil {
		return nil, err
	}
	key := fmt.Sprintf("%s:%d", def.Name, def.Version)
	if cached, found := s.graphs.Get(key); found {
		return cached.(*flow.Graph), nil
	}
	graph, err := flow.Build(def)
	if err != nil {
		return nil, err
	}
	s.graphs.Add(key, graph, c.NoExpiration)
	return graph, nil
}
