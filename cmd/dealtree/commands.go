package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/hylla/dealtree/internal/adapters/storage/memory"
	"github.com/hylla/dealtree/internal/app"
	"github.com/hylla/dealtree/internal/config"
	"github.com/hylla/dealtree/internal/domain"
	"github.com/hylla/dealtree/internal/hierarchy"
)

// ownerFlags binds the owner selector shared by create, list, tree and roots.
type ownerFlags struct {
	ownerType string
	ownerID   string
}

func (f *ownerFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.ownerType, "owner-type", "", "owner type (deal|buying_party)")
	cmd.Flags().StringVar(&f.ownerID, "owner-id", "", "owner id")
}

func (f ownerFlags) owner() (domain.OwnerContext, error) {
	return domain.NormalizeOwnerContext(domain.OwnerContext{
		Type: domain.OwnerType(f.ownerType),
		ID:   f.ownerID,
	})
}

func (f ownerFlags) filter() (domain.OwnerFilter, error) {
	owner, err := f.owner()
	if err != nil {
		return domain.OwnerFilter{}, err
	}
	return domain.ForOwner(owner), nil
}

// detailFlags binds the editable activity fields.
type detailFlags struct {
	kind        string
	title       string
	description string
	status      string
	assignedTo  string
	due         string
}

func (f *detailFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.kind, "kind", "", "activity kind (task, call, email, meeting, ...)")
	cmd.Flags().StringVar(&f.title, "title", "", "activity title")
	cmd.Flags().StringVar(&f.description, "description", "", "activity description")
	cmd.Flags().StringVar(&f.status, "status", "", "status (pending|in_progress|completed|canceled)")
	cmd.Flags().StringVar(&f.assignedTo, "assigned-to", "", "assignee")
	cmd.Flags().StringVar(&f.due, "due", "", "due time (RFC3339; an empty value clears it on update)")
}

func (f detailFlags) dueAt() (*time.Time, error) {
	raw := strings.TrimSpace(f.due)
	if raw == "" {
		return nil, nil
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, fmt.Errorf("parse --due %q: %w", raw, err)
	}
	ts = ts.UTC()
	return &ts, nil
}

func newCreateCommand(opts *rootOptions) *cobra.Command {
	var (
		id, parentID string
		owner        ownerFlags
		details      detailFlags
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an activity, optionally under a parent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ownerCtx, err := owner.owner()
			if err != nil {
				return err
			}
			due, err := details.dueAt()
			if err != nil {
				return err
			}
			return opts.withRuntime(cmd, func(ctx context.Context, rt *cliRuntime) error {
				activity, err := rt.svc.CreateActivity(ctx, app.CreateActivityInput{
					ID:          id,
					ParentID:    parentID,
					Owner:       ownerCtx,
					Kind:        domain.ActivityKind(details.kind),
					Title:       details.title,
					Description: details.description,
					Status:      domain.ActivityStatus(details.status),
					AssignedTo:  details.assignedTo,
					DueAt:       due,
				})
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), activity)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "activity id (generated when empty)")
	cmd.Flags().StringVar(&parentID, "parent", "", "parent activity id (empty creates a root)")
	owner.bind(cmd)
	details.bind(cmd)
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func newUpdateCommand(opts *rootOptions) *cobra.Command {
	var details detailFlags
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update activity details without moving it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			due, err := details.dueAt()
			if err != nil {
				return err
			}
			return opts.withRuntime(cmd, func(ctx context.Context, rt *cliRuntime) error {
				in := app.UpdateActivityInput{ID: args[0]}
				// Only flags given on the command line replace stored values.
				flags := cmd.Flags()
				if flags.Changed("kind") {
					kind := domain.ActivityKind(details.kind)
					in.Kind = &kind
				}
				if flags.Changed("title") {
					in.Title = &details.title
				}
				if flags.Changed("description") {
					in.Description = &details.description
				}
				if flags.Changed("status") {
					status := domain.ActivityStatus(details.status)
					in.Status = &status
				}
				if flags.Changed("assigned-to") {
					in.AssignedTo = &details.assignedTo
				}
				if flags.Changed("due") {
					in.DueAt = due
					in.ClearDueAt = due == nil
				}
				activity, err := rt.svc.UpdateActivity(ctx, in)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), activity)
			})
		},
	}
	details.bind(cmd)
	return cmd
}

func newReparentCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reparent <id> [parent-id]",
		Short: "Move an activity under a new parent, or make it a root",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			parentID := ""
			if len(args) == 2 {
				parentID = args[1]
			}
			return opts.withRuntime(cmd, func(ctx context.Context, rt *cliRuntime) error {
				activity, err := rt.svc.ReparentActivity(ctx, args[0], parentID)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), activity)
			})
		},
	}
}

func newDeleteCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an activity and its whole subtree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withRuntime(cmd, func(ctx context.Context, rt *cliRuntime) error {
				deleted, err := rt.svc.DeleteActivityCascading(ctx, args[0])
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), map[string]any{"deleted": deleted})
			})
		},
	}
}

func newGetCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show one activity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withRuntime(cmd, func(ctx context.Context, rt *cliRuntime) error {
				activity, err := rt.svc.GetActivity(ctx, args[0])
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), activity)
			})
		},
	}
}

func newListCommand(opts *rootOptions) *cobra.Command {
	var owner ownerFlags
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List activities as a flat array",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter, err := owner.filter()
			if err != nil {
				return err
			}
			return opts.withRuntime(cmd, func(ctx context.Context, rt *cliRuntime) error {
				activities, err := rt.svc.ListActivities(ctx, filter)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), activities)
			})
		},
	}
	owner.bind(cmd)
	return cmd
}

func newTreeCommand(opts *rootOptions) *cobra.Command {
	var owner ownerFlags
	cmd := &cobra.Command{
		Use:   "tree",
		Short: "Show the activity forest as nested JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter, err := owner.filter()
			if err != nil {
				return err
			}
			return opts.withRuntime(cmd, func(ctx context.Context, rt *cliRuntime) error {
				forest, err := rt.svc.GetTree(ctx, filter)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), forest)
			})
		},
	}
	owner.bind(cmd)
	return cmd
}

func newAncestorsCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ancestors <id>",
		Short: "List ancestors from the parent up to the root",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withRuntime(cmd, func(ctx context.Context, rt *cliRuntime) error {
				ancestors, err := rt.svc.GetAncestors(ctx, args[0])
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), ancestors)
			})
		},
	}
}

func newDescendantsCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "descendants <id>",
		Short: "List every activity below one activity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withRuntime(cmd, func(ctx context.Context, rt *cliRuntime) error {
				descendants, err := rt.svc.GetDescendants(ctx, args[0])
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), descendants)
			})
		},
	}
}

func newDepthCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "depth <id>",
		Short: "Show how many ancestors an activity has",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withRuntime(cmd, func(ctx context.Context, rt *cliRuntime) error {
				depth, err := rt.svc.GetDepth(ctx, args[0])
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), map[string]any{"id": args[0], "depth": depth})
			})
		},
	}
}

func newRootsCommand(opts *rootOptions) *cobra.Command {
	var owner ownerFlags
	cmd := &cobra.Command{
		Use:   "roots",
		Short: "List activities without a parent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter, err := owner.filter()
			if err != nil {
				return err
			}
			return opts.withRuntime(cmd, func(ctx context.Context, rt *cliRuntime) error {
				roots, err := rt.svc.GetRoots(ctx, filter)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), roots)
			})
		},
	}
	owner.bind(cmd)
	return cmd
}

func newCheckCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Scan stored activities for self references, dangling parents and cycles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withRuntime(cmd, func(ctx context.Context, rt *cliRuntime) error {
				report, err := rt.svc.CheckIntegrity(ctx)
				if err != nil {
					return err
				}
				if err := writeJSON(cmd.OutOrStdout(), report); err != nil {
					return err
				}
				if !report.OK() {
					return errIntegrity
				}
				return nil
			})
		},
	}
}

func newEventsCommand(opts *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "events",
		Short: "List recent change events, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withRuntime(cmd, func(ctx context.Context, rt *cliRuntime) error {
				events, err := rt.svc.ListChangeEvents(ctx, limit)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), events)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum events to show (0 uses the configured default)")
	return cmd
}

func newExportCommand(opts *rootOptions) *cobra.Command {
	var (
		outPath string
		save    bool
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write every activity as a snapshot JSON document",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withRuntime(cmd, func(ctx context.Context, rt *cliRuntime) error {
				snap, err := rt.svc.ExportSnapshot(ctx)
				if err != nil {
					return fmt.Errorf("export snapshot: %w", err)
				}
				target := outPath
				if save {
					target = rt.paths.SnapshotFile(opts.now())
				}
				if target == "-" {
					return writeJSON(cmd.OutOrStdout(), snap)
				}
				if err := writeSnapshotFile(target, snap); err != nil {
					return err
				}
				rt.logger.Info("snapshot exported", "path", target, "activities", len(snap.Activities))
				if save {
					return writeJSON(cmd.OutOrStdout(), map[string]any{"path": target, "activities": len(snap.Activities)})
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&outPath, "out", "-", "output file path ('-' for stdout)")
	cmd.Flags().BoolVar(&save, "save", false, "write a timestamped snapshot into the data dir export folder")
	cmd.MarkFlagsMutuallyExclusive("out", "save")
	return cmd
}

// writeSnapshotFile writes snap to path, creating parent dirs.
func writeSnapshotFile(path string, snap app.Snapshot) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create export output dir: %w", err)
	}
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create export file: %w", err)
	}
	if err := writeJSON(file, snap); err != nil {
		_ = file.Close()
		return fmt.Errorf("write export file: %w", err)
	}
	return file.Close()
}

func newImportCommand(opts *rootOptions) *cobra.Command {
	var (
		inPath string
		dryRun bool
	)
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Upsert activities from a snapshot JSON document",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			snap, err := readSnapshot(inPath, cmd.InOrStdin())
			if err != nil {
				return err
			}
			return opts.withRuntime(cmd, func(ctx context.Context, rt *cliRuntime) error {
				if !dryRun {
					if err := rt.svc.ImportSnapshot(ctx, snap); err != nil {
						return fmt.Errorf("import snapshot: %w", err)
					}
					return writeJSON(cmd.OutOrStdout(), map[string]any{"imported": len(snap.Activities)})
				}
				forest, err := dryRunImport(ctx, rt, snap)
				if err != nil {
					return fmt.Errorf("dry-run import: %w", err)
				}
				return writeJSON(cmd.OutOrStdout(), forest)
			})
		},
	}
	cmd.Flags().StringVar(&inPath, "in", "", "input snapshot JSON file ('-' for stdin)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "apply the import to an in-memory copy and print the resulting tree")
	_ = cmd.MarkFlagRequired("in")
	return cmd
}

// dryRunImport applies snap to an in-memory copy of the stored forest and
// returns the tree that a real import would produce.
func dryRunImport(ctx context.Context, rt *cliRuntime, snap app.Snapshot) (hierarchy.Forest, error) {
	current, err := rt.svc.ListActivities(ctx, domain.AllOwners())
	if err != nil {
		return nil, err
	}
	scratch := newService(memory.New(current...), rt.logger, nil, rt.cfg)
	if err := scratch.ImportSnapshot(ctx, snap); err != nil {
		return nil, err
	}
	return scratch.GetTree(ctx, domain.AllOwners())
}

// readSnapshot decodes one snapshot document from a file or stdin.
func readSnapshot(path string, stdin io.Reader) (app.Snapshot, error) {
	var (
		content []byte
		err     error
	)
	if path == "-" {
		content, err = io.ReadAll(stdin)
	} else {
		content, err = os.ReadFile(path)
	}
	if err != nil {
		return app.Snapshot{}, fmt.Errorf("read import file: %w", err)
	}
	var snap app.Snapshot
	if err := json.Unmarshal(content, &snap); err != nil {
		return app.Snapshot{}, fmt.Errorf("decode snapshot json: %w", err)
	}
	return snap, nil
}

func newInitCommand(opts *rootOptions) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file for the resolved app paths",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, configPath, dbPath, _, err := opts.resolvePaths()
			if err != nil {
				return err
			}
			if _, statErr := os.Stat(configPath); statErr == nil && !force {
				return fmt.Errorf("config %q already exists (use --force to overwrite)", configPath)
			} else if statErr != nil && !errors.Is(statErr, os.ErrNotExist) {
				return fmt.Errorf("stat config: %w", statErr)
			}
			if err := config.Write(configPath, config.Default(dbPath)); err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), map[string]any{"config": configPath, "db": dbPath})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	return cmd
}

func newPathsCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "paths",
		Short: "Show resolved config and data paths",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			paths, configPath, dbPath, _, err := opts.resolvePaths()
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), map[string]any{
				"app":      opts.appName,
				"dev_mode": opts.devMode,
				"config":   configPath,
				"db":       dbPath,
				"paths":    paths,
			})
		},
	}
}

// writeJSON writes v as indented JSON followed by a newline.
func writeJSON(w io.Writer, v any) error {
	encoded, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode json: %w", err)
	}
	encoded = append(encoded, '\n')
	_, err = w.Write(encoded)
	return err
}
