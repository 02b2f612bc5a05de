package repo

import (
	"context"
	"fmt"
	"sort"

	"github.com/buyrs/BM-sub005/internal/domain"
)

// Loader fetches one entity by id.
type Loader func(ctx context.Context, id string) (any, error)

// Registry resolves tagged references to entities.
type Registry struct {
	loaders map[domain.RefKind]Loader
}

func NewRegistry() *Registry {
	return &Registry{loaders: map[domain.RefKind]Loader{}}
}

func (g *Registry) Register(kind domain.RefKind, l Loader) {
	g.loaders[kind] = l
}

// Kinds lists registered ref kinds in sorted order.
func (g *Registry) Kinds() []domain.RefKind {
	kinds := make([]domain.RefKind, 0, len(g.loaders))
	for k := range g.loaders {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

func (g *Registry) Resolve(ctx context.Context, ref domain.Ref) (any, error) {
	l, ok := g.loaders[ref.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: unknown ref kind %q", domain.ErrInvalid, ref.Kind)
	}
	return l(ctx, ref.ID)
}

// DefaultRegistry wires every persisted entity kind.
func (r Repo) DefaultRegistry() *Registry {
	g := NewRegistry()
	g.Register(domain.RefBailMobilite, func(ctx context.Context, id string) (any, error) {
		return r.GetBailMobilite(ctx, nil, id)
	})
	g.Register(domain.RefMission, func(ctx context.Context, id string) (any, error) {
		return r.GetMission(ctx, nil, id)
	})
	g.Register(domain.RefChecklist, func(ctx context.Context, id string) (any, error) {
		return r.GetChecklist(ctx, nil, id)
	})
	g.Register(domain.RefIncidentReport, func(ctx context.Context, id string) (any, error) {
		return r.GetIncidentReport(ctx, nil, id)
	})
	g.Register(domain.RefCorrectiveAction, func(ctx context.Context, id string) (any, error) {
		return r.GetCorrectiveAction(ctx, nil, id)
	})
	g.Register(domain.RefNotification, func(ctx context.Context, id string) (any, error) {
		return r.GetNotification(ctx, nil, id)
	})
	g.Register(domain.RefSignatureInvitation, func(ctx context.Context, id string) (any, error) {
		return r.GetInvitation(ctx, nil, id)
	})
	g.Register(domain.RefContractTemplate, func(ctx context.Context, id string) (any, error) {
		return r.GetContractTemplate(ctx, nil, id)
	})
	return g
}
