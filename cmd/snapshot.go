package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/bnema/sdash/internal/adapters/render/dashboard"
	sqlitestore "github.com/bnema/sdash/internal/adapters/store/sqlite"
	"github.com/bnema/sdash/internal/config"
	"github.com/bnema/sdash/internal/domain"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	formatText = "text"
	formatJSON = "json"
	formatYAML = "yaml"

	sourceLive  = "live"
	sourceCache = "cache"
)

var errStoreDisabled = errors.New("snapshot store is disabled in config")

type snapshotOptions struct {
	format    string
	resources []string
	cached    bool
	activity  bool
}

type snapshotDocument struct {
	GeneratedAt time.Time                      `json:"generated_at"`
	Source      string                         `json:"source"`
	Resources   domain.Payload                 `json:"resources"`
	Failures    map[domain.ResourceName]string `json:"failures,omitempty"`
}

func newSnapshotCmd(root *rootOptions) *cobra.Command {
	opts := &snapshotOptions{}

	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Refresh every resource once and print the result",
		Long:  "snapshot runs one forced refresh cycle against the API and prints the dashboard data. With --cached it prints the last persisted snapshot instead, without touching the network.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSnapshot(cmd, root, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.format, "format", "f", formatText, "output format: text, json or yaml")
	cmd.Flags().StringSliceVarP(&opts.resources, "resource", "r", nil, "only print these resources (sessions, participants, rooms, activity_log)")
	cmd.Flags().BoolVar(&opts.cached, "cached", false, "print the persisted snapshot without refreshing")
	cmd.Flags().BoolVar(&opts.activity, "activity", false, "include the activity log")

	return cmd
}

func runSnapshot(cmd *cobra.Command, root *rootOptions, opts *snapshotOptions) error {
	switch opts.format {
	case formatText, formatJSON, formatYAML:
	default:
		return fmt.Errorf("unsupported format %q: want text, json or yaml", opts.format)
	}

	filter, err := parseResourceFilter(opts.resources)
	if err != nil {
		return err
	}
	showActivity := opts.activity || slices.Contains(filter, domain.ResourceActivityLog)

	cfg, v, err := loadConfig(root.configPath)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	var (
		doc   snapshotDocument
		state domain.PollingState
	)
	if opts.cached {
		doc, err = cachedSnapshot(ctx, cfg, filter)
		state.LastRefreshAt = doc.GeneratedAt
	} else {
		doc, state, err = liveSnapshot(ctx, cmd.ErrOrStderr(), cfg, v, showActivity, opts.format == formatText)
	}
	if err != nil {
		return err
	}
	doc.Resources = filterPayload(doc.Resources, filter)

	return writeSnapshot(cmd.OutOrStdout(), doc, state, opts.format, showActivity)
}

func liveSnapshot(ctx context.Context, stderr io.Writer, cfg config.Config, v *viper.Viper, showActivity, spinner bool) (snapshotDocument, domain.PollingState, error) {
	a, err := wireApp(cfg, v, wireOptions{logOutput: stderr, showActivity: showActivity})
	if err != nil {
		return snapshotDocument{}, domain.PollingState{}, err
	}
	defer func() { _ = a.Close() }()

	refresh := func(ctx context.Context) (domain.CycleResult, error) {
		return a.orchestrator.Refresh(ctx, true)
	}

	var result domain.CycleResult
	if spinner {
		result, err = runRefreshSpinner(ctx, stderr, refresh)
	} else {
		result, err = refresh(ctx)
	}
	if err != nil {
		return snapshotDocument{}, domain.PollingState{}, fmt.Errorf("refresh dashboard: %w", err)
	}

	failures := describeFailures(result.Failures)
	if len(result.Outcomes) > 0 && len(failures) == len(result.Outcomes) {
		return snapshotDocument{}, domain.PollingState{}, fmt.Errorf("refresh failed for every resource: %w", joinFailures(result.Failures))
	}

	return snapshotDocument{
		GeneratedAt: result.FinishedAt,
		Source:      sourceLive,
		Resources:   a.orchestrator.Latest(),
		Failures:    failures,
	}, a.orchestrator.State(), nil
}

func cachedSnapshot(ctx context.Context, cfg config.Config, filter []domain.ResourceName) (snapshotDocument, error) {
	if !cfg.Store.Enabled {
		return snapshotDocument{}, errStoreDisabled
	}

	store, err := sqlitestore.Open(cfg.Store.Path)
	if err != nil {
		return snapshotDocument{}, err
	}
	defer func() { _ = store.Close() }()

	snapshots, err := loadCached(ctx, store, filter)
	if err != nil {
		return snapshotDocument{}, err
	}
	if len(snapshots) == 0 {
		return snapshotDocument{}, fmt.Errorf("no cached snapshot in %s: run sdash snapshot first", cfg.Store.Path)
	}

	doc := snapshotDocument{Source: sourceCache, Resources: domain.Payload{}}
	for _, snapshot := range snapshots {
		doc.Resources[snapshot.Resource] = snapshot.Items
		if snapshot.FetchedAt.After(doc.GeneratedAt) {
			doc.GeneratedAt = snapshot.FetchedAt
		}
	}

	return doc, nil
}

// loadCached reads every stored row, or only the filtered ones.
func loadCached(ctx context.Context, store *sqlitestore.Store, filter []domain.ResourceName) ([]domain.Snapshot, error) {
	if len(filter) == 0 {
		return store.Load(ctx)
	}

	snapshots := make([]domain.Snapshot, 0, len(filter))
	for _, name := range filter {
		snapshot, err := store.Get(ctx, name)
		if errors.Is(err, domain.ErrSnapshotNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		snapshots = append(snapshots, snapshot)
	}

	return snapshots, nil
}

func writeSnapshot(w io.Writer, doc snapshotDocument, state domain.PollingState, format string, showActivity bool) error {
	switch format {
	case formatJSON:
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(doc)
	case formatYAML:
		plain, err := plainValue(doc)
		if err != nil {
			return err
		}
		encoder := yaml.NewEncoder(w)
		encoder.SetIndent(2)
		if err := encoder.Encode(plain); err != nil {
			return fmt.Errorf("encode yaml: %w", err)
		}
		return encoder.Close()
	default:
		view := dashboard.View{
			Payload:      doc.Resources,
			State:        state,
			ShowActivity: showActivity,
		}
		if len(doc.Failures) > 0 {
			view.Warning = "Some resources could not be refreshed: " + strings.Join(failedNames(doc.Failures), ", ")
		}
		out, err := dashboard.Render(view, dashboard.RenderOptions{Now: time.Now()})
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, out)
		return err
	}
}

// plainValue converts doc into maps and slices so numbers decoded as
// json.Number come out as YAML numbers rather than quoted strings.
func plainValue(doc snapshotDocument) (any, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}

	var plain any
	if err := json.Unmarshal(data, &plain); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}

	return plain, nil
}

func parseResourceFilter(raw []string) ([]domain.ResourceName, error) {
	names := make([]domain.ResourceName, 0, len(raw))
	for _, value := range raw {
		name, err := domain.ParseResourceName(value)
		if err != nil {
			return nil, err
		}
		if !slices.Contains(names, name) {
			names = append(names, name)
		}
	}

	return names, nil
}

func filterPayload(payload domain.Payload, filter []domain.ResourceName) domain.Payload {
	if len(filter) == 0 {
		return payload
	}

	filtered := make(domain.Payload, len(filter))
	for _, name := range filter {
		if items, ok := payload[name]; ok {
			filtered[name] = items
		}
	}

	return filtered
}

func describeFailures(failures map[domain.ResourceName]error) map[domain.ResourceName]string {
	if len(failures) == 0 {
		return nil
	}

	described := make(map[domain.ResourceName]string, len(failures))
	for name, err := range failures {
		described[name] = err.Error()
	}

	return described
}

func joinFailures(failures map[domain.ResourceName]error) error {
	errs := make([]error, 0, len(failures))
	for _, name := range domain.ResourceOrder {
		if err, ok := failures[name]; ok {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func failedNames(failures map[domain.ResourceName]string) []string {
	names := make([]string, 0, len(failures))
	for _, name := range domain.ResourceOrder {
		if _, ok := failures[name]; ok {
			names = append(names, string(name))
		}
	}

	return names
}
