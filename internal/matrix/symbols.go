package matrix

import (
	"context"
	"fmt"

	"github.com/samber/lo"

	"github.com/saltfish/paramsearch/internal/domain"
)

// SymbolProvider resolves a named symbol collection. A positive limit caps the
// number of symbols returned.
type SymbolProvider interface {
	Resolve(ctx context.Context, collection string, limit int) ([]string, error)
}

// CollectionProvider serves collections configured up front.
type CollectionProvider struct {
	collections map[string][]string
}

// NewCollectionProvider creates a provider over the given collections.
func NewCollectionProvider(collections map[string][]string) *CollectionProvider {
	return &CollectionProvider{collections: collections}
}

// Resolve implements SymbolProvider.
func (p *CollectionProvider) Resolve(_ context.Context, collection string, limit int) ([]string, error) {
	symbols, ok := p.collections[collection]
	if !ok {
		return nil, domain.NewNotFoundError("symbol collection", collection)
	}
	return truncate(lo.Uniq(symbols), limit), nil
}

// TopSymbolSource ranks symbols for a query, best first.
type TopSymbolSource interface {
	GetTopSymbols(ctx context.Context, query string, limit int) ([]string, error)
}

// RankedProvider resolves a collection by asking a ranking source for the top
// symbols of that name, falling back to a static provider.
type RankedProvider struct {
	source   TopSymbolSource
	fallback SymbolProvider
}

// NewRankedProvider creates a ranked provider. fallback may be nil.
func NewRankedProvider(source TopSymbolSource, fallback SymbolProvider) *RankedProvider {
	return &RankedProvider{source: source, fallback: fallback}
}

// Resolve implements SymbolProvider.
func (p *RankedProvider) Resolve(ctx context.Context, collection string, limit int) ([]string, error) {
	symbols, err := p.source.GetTopSymbols(ctx, collection, limit)
	if err == nil && len(symbols) > 0 {
		return truncate(lo.Uniq(symbols), limit), nil
	}
	if p.fallback != nil {
		return p.fallback.Resolve(ctx, collection, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("rank symbols for %s: %w", collection, err)
	}
	return nil, nil
}

func truncate(symbols []string, limit int) []string {
	if limit > 0 && len(symbols) > limit {
		return symbols[:limit]
	}
	return symbols
}
