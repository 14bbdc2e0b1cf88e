package storage

import (
	"context"
	"fmt"
	"sync"

	"cropharvest-orchestrator/internal/labels"
)

type labelsGetter interface {
	GetLabels(ctx context.Context) ([]byte, error)
}

// LabelSource resolves harmonized label points by dataset and index. The
// merged collection is immutable once published, so it is fetched and
// decoded once and served from memory afterwards.
type LabelSource struct {
	store labelsGetter

	mu     sync.Mutex
	loaded bool
	points map[labelKey]labels.LabeledPoint
}

type labelKey struct {
	dataset string
	index   int
}

func NewLabelSource(store labelsGetter) *LabelSource {
	return &LabelSource{store: store}
}

func (l *LabelSource) Lookup(ctx context.Context, dataset string, index int) (labels.LabeledPoint, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.loaded {
		payload, err := l.store.GetLabels(ctx)
		if err != nil {
			return labels.LabeledPoint{}, false, fmt.Errorf("fetch labels: %w", err)
		}
		collection, err := labels.LoadCollection(payload)
		if err != nil {
			return labels.LabeledPoint{}, false, fmt.Errorf("decode labels: %w", err)
		}
		l.points = make(map[labelKey]labels.LabeledPoint, len(collection.Points))
		for _, p := range collection.Points {
			l.points[labelKey{dataset: p.Dataset, index: p.Index}] = p
		}
		l.loaded = true
	}

	p, ok := l.points[labelKey{dataset: dataset, index: index}]
	return p, ok, nil
}
