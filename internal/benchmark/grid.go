package benchmark

import (
	"fmt"

	"github.com/mitchellh/hashstructure/v2"
)

// Grid spans the benchmark space: every registered model against every
// dataset, at several seeds and training sizes.
type Grid struct {
	Datasets    []string `json:"datasets"`
	Models      []string `json:"models"`
	Seeds       []int64  `json:"seeds"`
	SampleSizes []int    `json:"sample_sizes"`
}

// Cell is one (dataset, model, seed, size) evaluation.
type Cell struct {
	Dataset    string `json:"dataset"`
	Model      string `json:"model"`
	Seed       int64  `json:"seed"`
	SampleSize int    `json:"sample_size"`
}

// Validate returns the list of failed rules; an empty list means the grid
// can run.
func (g Grid) Validate() []string {
	var failed []string
	if len(g.Datasets) == 0 {
		failed = append(failed, "grid.datasets_required")
	}
	for _, d := range g.Datasets {
		if d == "" {
			failed = append(failed, "grid.dataset_name_required")
			break
		}
	}
	if len(g.Models) == 0 {
		failed = append(failed, "grid.models_required")
	}
	for _, m := range g.Models {
		if !IsRegistered(m) {
			failed = append(failed, "grid.model_unknown:"+m)
		}
	}
	if len(g.Seeds) == 0 {
		failed = append(failed, "grid.seeds_required")
	}
	if len(g.SampleSizes) == 0 {
		failed = append(failed, "grid.sample_sizes_required")
	}
	for _, n := range g.SampleSizes {
		if n <= 0 {
			failed = append(failed, "grid.sample_size_positive")
			break
		}
	}
	return failed
}

// Cells enumerates the grid deterministically: dataset, then model, then
// seed, then size. Checkpointed reruns depend on this order being stable.
func (g Grid) Cells() []Cell {
	cells := make([]Cell, 0, len(g.Datasets)*len(g.Models)*len(g.Seeds)*len(g.SampleSizes))
	for _, dataset := range g.Datasets {
		for _, model := range g.Models {
			for _, seed := range g.Seeds {
				for _, size := range g.SampleSizes {
					cells = append(cells, Cell{Dataset: dataset, Model: model, Seed: seed, SampleSize: size})
				}
			}
		}
	}
	return cells
}

// Hash is a stable digest of the grid, used for idempotent workflow IDs.
func (g Grid) Hash() (string, error) {
	h, err := hashstructure.Hash(g, hashstructure.FormatV2, nil)
	if err != nil {
		return "", fmt.Errorf("hash grid: %w", err)
	}
	return fmt.Sprintf("%016x", h), nil
}
