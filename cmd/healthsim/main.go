// Command healthsim is the operations entrypoint for the cohort engine.
// Backends are selected from the environment (HEALTHSIM_DOCSTORE_DRIVER,
// HEALTHSIM_WAREHOUSE_DRIVER and friends); subcommands drive the cohort
// manager against them.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"healthsim/internal/state"
	"healthsim/pkg/domain"
	"healthsim/pkg/export"
)

var exitFunc = os.Exit

const usage = `usage: healthsim <command> [flags]

commands:
  list                        list cohorts (flags: -tag, -prefix)
  show <name>                 print a cohort summary
  import <file>               import a cohort from a JSON export
  export-json <name> <file>   write a cohort as a JSON document
  export <name>               project a cohort (flags: -kind, -format, -out)
  query <sql>                 run a read-only query (flags: -limit, -offset)
  merge <new> <src> [src...]  merge source cohorts into a new one
  clone <src> <new>           copy a cohort under a new name
  rename <old> <new>          rename a cohort in both backends
  tag <name>                  adjust tags (flags: -add, -remove)
  delete <name>               remove a cohort from both backends
`

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "healthsim: %v\n", err)
		exitFunc(1)
		return
	}
	exitFunc(0)
}

func run(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 || args[0] == "help" || args[0] == "-h" || args[0] == "--help" {
		fmt.Fprint(out, usage)
		return nil
	}
	// Unique expvar names keep repeated in-process invocations (tests)
	// from colliding on Publish.
	mgr, err := state.OpenFromEnv(ctx, state.WithMetricsRecorder(state.NewExpvarMetricsRecorder("")))
	if err != nil {
		return err
	}

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "list":
		return runList(ctx, mgr, rest, out)
	case "show":
		return runShow(ctx, mgr, rest, out)
	case "import":
		return runImport(ctx, mgr, rest, out)
	case "export-json":
		return runExportJSON(ctx, mgr, rest, out)
	case "export":
		return runExport(ctx, mgr, rest, out)
	case "query":
		return runQuery(ctx, mgr, rest, out)
	case "merge":
		return runMerge(ctx, mgr, rest, out)
	case "clone":
		return runClone(ctx, mgr, rest, out)
	case "rename":
		return runRename(ctx, mgr, rest, out)
	case "tag":
		return runTag(ctx, mgr, rest, out)
	case "delete":
		return runDelete(ctx, mgr, rest, out)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func runList(ctx context.Context, mgr *state.Manager, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	tag := fs.String("tag", "", "only cohorts carrying this tag")
	prefix := fs.String("prefix", "", "only cohorts whose name starts with this prefix")
	if err := fs.Parse(args); err != nil {
		return err
	}
	summaries, err := mgr.List(ctx, state.ListFilter{Tag: *tag, NamePrefix: *prefix})
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tVERSION\tENTITIES\tTAGS\tUPDATED")
	for _, s := range summaries {
		version := fmt.Sprintf("%d", s.SchemaVersion)
		if s.NeedsMigration {
			version += "*"
		}
		total := 0
		for _, n := range s.EntityCounts {
			total += n
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
			s.Name, version, total, strings.Join(s.Tags, ","), s.UpdatedAt.Format("2006-01-02 15:04:05"))
	}
	return w.Flush()
}

func runShow(ctx context.Context, mgr *state.Manager, args []string, out io.Writer) error {
	if len(args) != 1 {
		return fmt.Errorf("show: expected <name>")
	}
	summary, err := mgr.Summarize(ctx, args[0])
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(summary)
}

func runImport(ctx context.Context, mgr *state.Manager, args []string, out io.Writer) error {
	if len(args) != 1 {
		return fmt.Errorf("import: expected <file>")
	}
	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()
	cohort, err := mgr.ImportJSON(ctx, f)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "imported %s (%d entities)\n", cohort.Name, cohort.Summary().TotalEntities())
	return nil
}

func runExportJSON(ctx context.Context, mgr *state.Manager, args []string, out io.Writer) error {
	if len(args) != 2 {
		return fmt.Errorf("export-json: expected <name> <file>")
	}
	if err := mgr.ExportJSONFile(ctx, args[0], args[1]); err != nil {
		return err
	}
	fmt.Fprintf(out, "wrote %s\n", args[1])
	return nil
}

func runExport(ctx context.Context, mgr *state.Manager, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	kind := fs.String("kind", string(export.KindTabular), "projection kind: tabular or dimensional")
	format := fs.String("format", string(export.FormatCSV), "output format: csv or json")
	dims := fs.String("dimensions", "", "comma-separated dimension entity types (dimensional only)")
	outDir := fs.String("out", ".", "directory for output files")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("export: expected <name>")
	}
	name := fs.Arg(0)

	spec := export.Spec{Name: name, Kind: export.Kind(*kind)}
	if *dims != "" {
		for _, d := range strings.Split(*dims, ",") {
			spec.Dimensions = append(spec.Dimensions, domain.EntityType(strings.TrimSpace(d)))
		}
	}
	artifacts, err := mgr.Export(ctx, name, spec, export.Format(*format))
	if err != nil {
		return err
	}
	if err := os.MkdirAll(*outDir, 0o755); err != nil {
		return err
	}
	for _, artifact := range artifacts {
		path := filepath.Join(*outDir, artifact.Name+"."+*format)
		if err := os.WriteFile(path, artifact.Payload, 0o644); err != nil {
			return err
		}
		fmt.Fprintf(out, "wrote %s (%d rows)\n", path, artifact.Rows)
	}
	return nil
}

func runQuery(ctx context.Context, mgr *state.Manager, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("query", flag.ContinueOnError)
	limit := fs.Int("limit", 100, "maximum rows to return")
	offset := fs.Int("offset", 0, "rows to skip")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("query: expected <sql>")
	}
	result, err := mgr.Query(ctx, fs.Arg(0), *limit, *offset)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, strings.Join(result.Columns, "\t"))
	for _, row := range result.Rows {
		cells := make([]string, len(row))
		for i, v := range row {
			cells[i] = fmt.Sprintf("%v", v)
		}
		fmt.Fprintln(w, strings.Join(cells, "\t"))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if result.HasMore {
		fmt.Fprintf(out, "(more rows; next offset %d)\n", result.Offset+len(result.Rows))
	}
	return nil
}

func runMerge(ctx context.Context, mgr *state.Manager, args []string, out io.Writer) error {
	if len(args) < 2 {
		return fmt.Errorf("merge: expected <new> <source> [source...]")
	}
	cohort, warnings, err := mgr.Merge(ctx, args[0], args[1:])
	if err != nil {
		return err
	}
	for _, warning := range warnings {
		fmt.Fprintf(out, "warning: %s\n", warning)
	}
	fmt.Fprintf(out, "merged %d cohorts into %s (%d entities)\n", len(args)-1, cohort.Name, cohort.Summary().TotalEntities())
	return nil
}

func runClone(ctx context.Context, mgr *state.Manager, args []string, out io.Writer) error {
	if len(args) != 2 {
		return fmt.Errorf("clone: expected <source> <new>")
	}
	cohort, err := mgr.Clone(ctx, args[0], args[1])
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "cloned %s to %s\n", args[0], cohort.Name)
	return nil
}

func runRename(ctx context.Context, mgr *state.Manager, args []string, out io.Writer) error {
	if len(args) != 2 {
		return fmt.Errorf("rename: expected <old> <new>")
	}
	if err := mgr.Rename(ctx, args[0], args[1]); err != nil {
		return err
	}
	fmt.Fprintf(out, "renamed %s to %s\n", args[0], args[1])
	return nil
}

func runTag(ctx context.Context, mgr *state.Manager, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("tag", flag.ContinueOnError)
	add := fs.String("add", "", "comma-separated tags to add")
	remove := fs.String("remove", "", "comma-separated tags to remove")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("tag: expected <name>")
	}
	summary, err := mgr.Tag(ctx, fs.Arg(0), splitTags(*add), splitTags(*remove))
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s tags: %s\n", summary.Name, strings.Join(summary.Tags, ","))
	return nil
}

func splitTags(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func runDelete(ctx context.Context, mgr *state.Manager, args []string, out io.Writer) error {
	if len(args) != 1 {
		return fmt.Errorf("delete: expected <name>")
	}
	if err := mgr.Delete(ctx, args[0]); err != nil {
		return err
	}
	fmt.Fprintf(out, "deleted %s\n", args[0])
	return nil
}
