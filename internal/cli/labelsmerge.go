package cli

import (
	"fmt"
	"path/filepath"
	"sort"

	"github.com/goccy/go-yaml"
	"github.com/paulmach/orb/geojson"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"cropharvest-orchestrator/internal/labels"
	"cropharvest-orchestrator/internal/storage"
)

func newLabelsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "labels",
		Short: "Produce the canonical labels collection.",
	}
	cmd.AddCommand(newLabelsMergeCommand())
	return cmd
}

type labelsMergeOptions struct {
	Config         string
	Out            string
	Publish        bool
	MinioEndpoint  string
	ArtifactBucket string
	MinioUseSSL    bool
}

func (o *labelsMergeOptions) addFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.Config, "config", "labels.yaml", "Source manifest listing the raw GeoJSON collections")
	fs.StringVar(&o.Out, "out", "labels.geojson", "Path for the merged collection")
	fs.BoolVar(&o.Publish, "publish", false, "Upload the merged collection to the artifact bucket")
	fs.StringVar(&o.MinioEndpoint, "minio-endpoint", envOr("MINIO_ENDPOINT", "localhost:9000"), "Object store endpoint for --publish")
	fs.StringVar(&o.ArtifactBucket, "artifact-bucket", envOr("ARTIFACT_BUCKET", "artifacts"), "Bucket the merged collection is published to")
	fs.BoolVar(&o.MinioUseSSL, "minio-use-ssl", false, "Use TLS for the object store connection")
}

// mergeManifest is the labels merge input: one entry per raw source
// collection, with the property mapping Harmonize needs. Paths are
// relative to the manifest file. Unknown fields are rejected.
type mergeManifest struct {
	Sources []mergeSource `yaml:"sources"`
}

type mergeSource struct {
	Dataset string       `yaml:"dataset"`
	Path    string       `yaml:"path"`
	Year    int          `yaml:"year,omitempty"`
	IsCrop  *bool        `yaml:"is_crop,omitempty"`
	Mapping mergeMapping `yaml:"mapping,omitempty"`
}

type mergeMapping struct {
	Label     string `yaml:"label,omitempty"`
	IsCrop    string `yaml:"is_crop,omitempty"`
	Index     string `yaml:"index,omitempty"`
	ExportEnd string `yaml:"export_end,omitempty"`
}

func newLabelsMergeCommand() *cobra.Command {
	opts := &labelsMergeOptions{}

	cmd := &cobra.Command{
		Use:   "merge",
		Short: "Harmonize raw label sources into one canonical GeoJSON collection.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runLabelsMerge(cmd, opts)
		},
	}

	opts.addFlags(cmd.Flags())
	return cmd
}

func runLabelsMerge(cmd *cobra.Command, opts *labelsMergeOptions) error {
	fsys := afero.NewOsFs()

	data, err := afero.ReadFile(fsys, opts.Config)
	if err != nil {
		return fmt.Errorf("read manifest %s: %w", opts.Config, err)
	}
	var manifest mergeManifest
	if err := yaml.UnmarshalWithOptions(data, &manifest, yaml.Strict()); err != nil {
		return fmt.Errorf("parse manifest %s: %w", opts.Config, err)
	}
	if len(manifest.Sources) == 0 {
		return fmt.Errorf("manifest %s lists no sources", opts.Config)
	}

	// Sources load in parallel but land in manifest order, so the merged
	// collection is stable across runs.
	baseDir := filepath.Dir(opts.Config)
	sources := make([]labels.RawSource, len(manifest.Sources))
	var g errgroup.Group
	for i, src := range manifest.Sources {
		i, src := i, src
		g.Go(func() error {
			raw, err := afero.ReadFile(fsys, filepath.Join(baseDir, filepath.FromSlash(src.Path)))
			if err != nil {
				return fmt.Errorf("read source %s: %w", src.Dataset, err)
			}
			fc, err := geojson.UnmarshalFeatureCollection(raw)
			if err != nil {
				return fmt.Errorf("parse source %s: %w", src.Dataset, err)
			}
			sources[i] = labels.RawSource{
				Dataset: src.Dataset,
				Year:    src.Year,
				IsCrop:  src.IsCrop,
				Mapping: labels.FieldMapping{
					Label:     src.Mapping.Label,
					IsCrop:    src.Mapping.IsCrop,
					Index:     src.Mapping.Index,
					ExportEnd: src.Mapping.ExportEnd,
				},
				Collection: fc,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	col, report, err := labels.Harmonize(sources)
	if err != nil {
		return err
	}

	payload, err := col.MarshalGeoJSON()
	if err != nil {
		return err
	}
	if err := afero.WriteFile(fsys, opts.Out, payload, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", opts.Out, err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "merged %d point(s) into %s (%d dropped)\n", report.Kept, opts.Out, report.DroppedTotal())
	for _, ds := range sortedKeys(report.PerDataset) {
		fmt.Fprintf(out, "  %s: %d\n", ds, report.PerDataset[ds])
	}
	for _, reason := range sortedKeys(report.Dropped) {
		fmt.Fprintf(out, "  dropped %s: %d\n", reason, report.Dropped[reason])
	}

	if !opts.Publish {
		return nil
	}
	store, err := storage.NewMinioStore(
		opts.MinioEndpoint,
		envOr("MINIO_ACCESS_KEY", ""),
		envOr("MINIO_SECRET_KEY", ""),
		opts.MinioUseSSL,
		envOr("SCENE_BUCKET", "eo-exports"),
		opts.ArtifactBucket,
	)
	if err != nil {
		return fmt.Errorf("connect object store: %w", err)
	}
	objectKey, err := store.PutLabels(cmd.Context(), payload)
	if err != nil {
		return fmt.Errorf("publish labels: %w", err)
	}
	fmt.Fprintf(out, "published %s/%s\n", opts.ArtifactBucket, objectKey)
	return nil
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
