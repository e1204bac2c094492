// Command glossa converts HTML documents with glossary substitution rules.
// It provides one-shot conversion, bundle rewriting, watch mode, a live
// preview server, rule catalog tooling, and a history ledger.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"golang.org/x/sync/errgroup"

	"github.com/FocuswithJustin/Glossa/core/cache"
	"github.com/FocuswithJustin/Glossa/core/classify"
	"github.com/FocuswithJustin/Glossa/core/dom"
	"github.com/FocuswithJustin/Glossa/core/pipeline"
	"github.com/FocuswithJustin/Glossa/core/rules"
	"github.com/FocuswithJustin/Glossa/core/selfcheck"
	"github.com/FocuswithJustin/Glossa/core/sqlite"
	"github.com/FocuswithJustin/Glossa/core/textproc"
	"github.com/FocuswithJustin/Glossa/core/walker"
	"github.com/FocuswithJustin/Glossa/internal/archive"
	"github.com/FocuswithJustin/Glossa/internal/ledger"
	"github.com/FocuswithJustin/Glossa/internal/logging"
	"github.com/FocuswithJustin/Glossa/internal/server"
	"github.com/FocuswithJustin/Glossa/internal/snapshot"
	"github.com/FocuswithJustin/Glossa/internal/validation"
	"github.com/FocuswithJustin/Glossa/internal/watch"
)

const version = "0.1.0"

// convertedSuffix marks watch-mode output files so the watcher never
// re-converts its own writes.
const convertedSuffix = ".glossa.html"

// CLI defines the command-line interface for glossa.
var CLI struct {
	// Global flags
	LogLevel  string `name:"log-level" help:"Log level (debug|info|warn|error)" default:"info" enum:"debug,info,warn,error"`
	LogFormat string `name:"log-format" help:"Log format (text|json)" default:"text" enum:"text,json"`

	Convert   ConvertCmd   `cmd:"" help:"Convert one HTML document"`
	Bundle    BundleCmd    `cmd:"" help:"Convert every HTML document inside a tar archive"`
	Watch     WatchCmd     `cmd:"" help:"Re-convert files as they change on disk"`
	Serve     ServeCmd     `cmd:"" help:"Serve a live preview of a converted document"`
	Rules     RulesGroup   `cmd:"" help:"Rule catalog operations (validate, show, hash)"`
	Ledger    LedgerGroup  `cmd:"" help:"Conversion run history"`
	Selfcheck SelfcheckCmd `cmd:"" help:"Run the conversion invariant checks"`
	Version   VersionCmd   `cmd:"" help:"Print version information"`
}

// ConvertCmd converts one HTML document through the full pipeline.
type ConvertCmd struct {
	Path  string `arg:"" optional:"" help:"Document to convert ('-' or omitted for stdin)"`
	Rules string `required:"" short:"r" help:"Rules file (.json, .yaml, .xml or .rules)" type:"existingfile"`
	Out   string `short:"o" help:"Output path (default stdout)" type:"path"`

	ChunkSize int           `help:"Maximum nodes visited per chunk"`
	Debounce  time.Duration `help:"Mutation coalescing window"`
	MaxWait   time.Duration `help:"Coalescing flush deadline"`
	CacheSize int           `help:"Text cache capacity in entries"`

	Stats       bool   `help:"Print conversion statistics to stderr"`
	Snapshot    bool   `help:"Store the original document in the snapshot store"`
	SnapshotDir string `name:"snapshot-dir" help:"Snapshot store root" default:"snapshots" type:"path"`
	Ledger      string `help:"Record the run in this ledger database" type:"path"`
}

func (c *ConvertCmd) Run() error {
	rs, err := loadRules(c.Rules)
	if err != nil {
		return err
	}
	data, source, err := readDocument(c.Path)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	rendered, st, err := convertDocument(ctx, data, rs, pipeline.Config{
		ChunkSize: c.ChunkSize,
		Debounce:  c.Debounce,
		MaxWait:   c.MaxWait,
		CacheSize: c.CacheSize,
	})
	if err != nil {
		return err
	}
	elapsed := time.Since(start)

	if c.Out != "" {
		if err := validation.ValidatePath(c.Out); err != nil {
			return fmt.Errorf("invalid output path: %w", err)
		}
		if err := os.WriteFile(c.Out, []byte(rendered), 0644); err != nil {
			return fmt.Errorf("write output: %w", err)
		}
	} else {
		if _, err := os.Stdout.WriteString(rendered); err != nil {
			return fmt.Errorf("write output: %w", err)
		}
	}

	var snapHash string
	if c.Snapshot {
		store, err := snapshot.NewStore(c.SnapshotDir)
		if err != nil {
			return fmt.Errorf("open snapshot store: %w", err)
		}
		snapHash, err = store.Save(data)
		if err != nil {
			return fmt.Errorf("save snapshot: %w", err)
		}
	}

	if c.Ledger != "" {
		run, err := recordRun(c.Ledger, ledger.Run{
			Source:       source,
			DocumentHash: snapshot.Hash(data),
			RulesVersion: rs.Version(),
			Visited:      st.Walk.Visited,
			Wrappers:     st.Walk.Wrappers,
			Chunks:       st.Walk.Chunks,
			Duration:     elapsed,
			Snapshot:     snapHash,
		})
		if err != nil {
			return err
		}
		logging.Info("run recorded", "id", run.ID, "ledger", c.Ledger)
	}

	if c.Stats {
		fmt.Fprintf(os.Stderr, "Converted: %s\n", source)
		fmt.Fprintf(os.Stderr, "  Rules version: %s\n", rs.Version())
		fmt.Fprintf(os.Stderr, "  Visited: %d\n", st.Walk.Visited)
		fmt.Fprintf(os.Stderr, "  Converted nodes: %d\n", st.Walk.Converted)
		fmt.Fprintf(os.Stderr, "  Wrappers: %d\n", st.Walk.Wrappers)
		fmt.Fprintf(os.Stderr, "  Chunks: %d\n", st.Walk.Chunks)
		fmt.Fprintf(os.Stderr, "  Cache hit rate: %.2f\n", st.CacheHitRate())
		fmt.Fprintf(os.Stderr, "  Duration: %s\n", elapsed.Round(time.Millisecond))
		if snapHash != "" {
			fmt.Fprintf(os.Stderr, "  Snapshot: %s\n", snapHash)
		}
	}
	return nil
}

// BundleCmd rewrites every HTML document inside a tar archive.
type BundleCmd struct {
	Src   string `arg:"" help:"Source bundle (.tar.gz or .tar.xz)" type:"existingfile"`
	Out   string `arg:"" help:"Destination bundle" type:"path"`
	Rules string `required:"" short:"r" help:"Rules file" type:"existingfile"`

	ChunkSize int    `help:"Maximum nodes visited per chunk"`
	Ledger    string `help:"Record the run in this ledger database" type:"path"`
}

func (c *BundleCmd) Run() error {
	rs, err := loadRules(c.Rules)
	if err != nil {
		return err
	}
	if err := validation.ValidatePath(c.Src); err != nil {
		return fmt.Errorf("invalid source path: %w", err)
	}
	if err := validation.ValidatePath(c.Out); err != nil {
		return fmt.Errorf("invalid output path: %w", err)
	}
	if !archive.IsSupportedFormat(c.Src) {
		return fmt.Errorf("unsupported bundle format %q, want .tar.gz or .tar.xz", c.Src)
	}
	if !archive.IsSupportedFormat(c.Out) {
		return fmt.Errorf("unsupported output format %q, want .tar.gz or .tar.xz", c.Out)
	}
	info, err := os.Stat(c.Src)
	if err != nil {
		return fmt.Errorf("stat bundle: %w", err)
	}
	if err := validation.ValidateSize(info.Size(), validation.MaxBundleSize); err != nil {
		return err
	}
	hasDocs, err := archive.ContainsPath(c.Src, isHTMLPath)
	if err != nil {
		return fmt.Errorf("scan bundle: %w", err)
	}
	if !hasDocs {
		return fmt.Errorf("bundle %s contains no HTML documents", c.Src)
	}

	start := time.Now()
	var totals walker.Stats
	st, err := archive.Transform(c.Src, c.Out,
		isHTMLPath,
		func(name string, content []byte) ([]byte, error) {
			out, ws, err := convertOnce(content, rs, c.ChunkSize)
			if err != nil {
				return nil, fmt.Errorf("convert %s: %w", name, err)
			}
			totals.Visited += ws.Visited
			totals.Converted += ws.Converted
			totals.Wrappers += ws.Wrappers
			totals.Chunks += ws.Chunks
			return out, nil
		},
		&archive.BundleManifest{
			RulesVersion: rs.Version(),
			Metadata: map[string]string{
				"bundle": archive.BundleID(filepath.Base(c.Src)),
			},
		})
	if err != nil {
		return fmt.Errorf("transform bundle: %w", err)
	}
	elapsed := time.Since(start)

	if c.Ledger != "" {
		srcData, err := os.ReadFile(c.Src)
		if err != nil {
			return fmt.Errorf("read bundle for hashing: %w", err)
		}
		run, err := recordRun(c.Ledger, ledger.Run{
			Source:       c.Src,
			DocumentHash: snapshot.Hash(srcData),
			RulesVersion: rs.Version(),
			Visited:      totals.Visited,
			Wrappers:     totals.Wrappers,
			Chunks:       totals.Chunks,
			Duration:     elapsed,
		})
		if err != nil {
			return err
		}
		logging.Info("run recorded", "id", run.ID, "ledger", c.Ledger)
	}

	fmt.Printf("Created: %s\n", c.Out)
	fmt.Printf("  Entries: %d\n", st.Entries)
	fmt.Printf("  Converted: %d\n", st.Converted)
	fmt.Printf("  Copied: %d\n", st.Copied)
	fmt.Printf("  Wrappers: %d\n", totals.Wrappers)
	fmt.Printf("  Rules version: %s\n", rs.Version())
	fmt.Printf("  Duration: %s\n", elapsed.Round(time.Millisecond))
	return nil
}

// WatchCmd re-converts documents whenever they change on disk.
type WatchCmd struct {
	Paths []string `arg:"" help:"Files or directories to watch" type:"path"`
	Rules string   `required:"" short:"r" help:"Rules file" type:"existingfile"`

	OutDir    string        `name:"out-dir" short:"o" help:"Write converted copies here instead of alongside sources" type:"path"`
	Debounce  time.Duration `help:"Event coalescing window" default:"250ms"`
	ChunkSize int           `help:"Maximum nodes visited per chunk"`
}

func (c *WatchCmd) Run() error {
	rs, err := loadRules(c.Rules)
	if err != nil {
		return err
	}

	outAbs := ""
	if c.OutDir != "" {
		if err := os.MkdirAll(c.OutDir, 0755); err != nil {
			return fmt.Errorf("create output directory: %w", err)
		}
		outAbs = server.AbsPath(c.OutDir)
	}

	// Never re-convert our own output: suffix-marked siblings and
	// anything under the output directory are invisible to the watch.
	match := func(path string) bool {
		if !isHTMLPath(path) || strings.HasSuffix(path, convertedSuffix) {
			return false
		}
		if outAbs != "" && strings.HasPrefix(server.AbsPath(path), outAbs+string(filepath.Separator)) {
			return false
		}
		return true
	}

	handler := func(changes []watch.Change) {
		for _, ch := range changes {
			if ch.Op == watch.OpRemove || ch.Op == watch.OpRename {
				logging.Debug("skipping removed path", "path", ch.Path)
				continue
			}
			if err := c.convertFile(ch.Path, rs); err != nil {
				logging.Error("conversion failed", "path", ch.Path, "error", err)
			}
		}
	}

	w, err := watch.New(watch.Config{
		Debounce: c.Debounce,
		Match:    match,
		OnError:  func(err error) { logging.Error("watch error", "error", err) },
	}, handler)
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	for _, p := range c.Paths {
		if err := w.Add(p); err != nil {
			return fmt.Errorf("watch %s: %w", p, err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Printf("Watching %d path(s), rules version %s\n", len(c.Paths), rs.Version())
	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (c *WatchCmd) convertFile(path string, rs *rules.RuleSet) error {
	data, _, err := readDocument(path)
	if err != nil {
		return err
	}
	out, ws, err := convertOnce(data, rs, c.ChunkSize)
	if err != nil {
		return err
	}

	dst := strings.TrimSuffix(path, filepath.Ext(path)) + convertedSuffix
	if c.OutDir != "" {
		dst = filepath.Join(c.OutDir, filepath.Base(path))
	}
	if err := os.WriteFile(dst, out, 0644); err != nil {
		return fmt.Errorf("write %s: %w", dst, err)
	}
	logging.Info("converted", "source", path, "output", dst,
		"wrappers", ws.Wrappers, "visited", ws.Visited)
	return nil
}

// ServeCmd runs the live preview server.
type ServeCmd struct {
	Document string `arg:"" optional:"" help:"Document to preview" type:"existingfile"`
	Rules    string `required:"" short:"r" help:"Rules file" type:"existingfile"`

	Host           string   `help:"Listen host" default:"127.0.0.1"`
	Port           int      `help:"Listen port" default:"8457"`
	Watch          bool     `help:"Re-convert when the document or rules file changes"`
	AllowedOrigins []string `name:"allowed-origins" help:"Allowed CORS and websocket origins"`

	ChunkSize int           `help:"Maximum nodes visited per chunk"`
	Debounce  time.Duration `help:"Mutation coalescing window"`
	MaxWait   time.Duration `help:"Coalescing flush deadline"`
	CacheSize int           `help:"Text cache capacity in entries"`
}

func (c *ServeCmd) Run() error {
	rs, err := loadRules(c.Rules)
	if err != nil {
		return err
	}
	srv, err := server.New(server.Config{
		Host:           c.Host,
		Port:           c.Port,
		Rules:          rs,
		DocumentPath:   c.Document,
		AllowedOrigins: c.AllowedOrigins,
		ChunkSize:      c.ChunkSize,
		Debounce:       c.Debounce,
		MaxWait:        c.MaxWait,
		CacheSize:      c.CacheSize,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Printf("Preview on http://%s:%d/ (rules version %s)\n", c.Host, c.Port, rs.Version())

	if !c.Watch {
		return srv.Run(ctx)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(ctx) })
	g.Go(func() error { return c.watchInputs(ctx, srv) })
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// watchInputs reloads the served document and rules as their files change.
// A rules file that fails to parse keeps the previous rules serving.
func (c *ServeCmd) watchInputs(ctx context.Context, srv *server.Server) error {
	docAbs := server.AbsPath(c.Document)
	rulesAbs := server.AbsPath(c.Rules)

	handler := func(changes []watch.Change) {
		for _, ch := range changes {
			if ch.Op == watch.OpRemove || ch.Op == watch.OpRename {
				continue
			}
			switch ch.Path {
			case docAbs:
				if err := srv.LoadDocument(c.Document); err != nil {
					logging.Error("document reload failed", "path", ch.Path, "error", err)
				}
			case rulesAbs:
				rs, err := loadRules(c.Rules)
				if err != nil {
					logging.Error("rules reload failed", "path", c.Rules, "error", err)
					continue
				}
				if err := srv.ApplyRules(rs); err != nil {
					logging.Error("rules swap failed", "error", err)
				}
			}
		}
	}

	w, err := watch.New(watch.Config{
		OnError: func(err error) { logging.Error("watch error", "error", err) },
	}, handler)
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	if c.Document != "" {
		if err := w.Add(c.Document); err != nil {
			return fmt.Errorf("watch %s: %w", c.Document, err)
		}
	}
	if err := w.Add(c.Rules); err != nil {
		return fmt.Errorf("watch %s: %w", c.Rules, err)
	}
	return w.Run(ctx)
}

// RulesGroup contains rule catalog operations.
type RulesGroup struct {
	Validate RulesValidateCmd `cmd:"" help:"Parse a rules file and report problems"`
	Show     RulesShowCmd     `cmd:"" help:"Print the compiled rules in canonical JSON"`
	Hash     RulesHashCmd     `cmd:"" help:"Print the rule set version hash"`
}

// RulesValidateCmd checks that a rules file loads and compiles.
type RulesValidateCmd struct {
	Path string `arg:"" help:"Rules file" type:"existingfile"`
}

func (c *RulesValidateCmd) Run() error {
	rs, err := loadRules(c.Path)
	if err != nil {
		return err
	}
	fmt.Printf("OK: %d rule(s)\n", rs.Len())
	fmt.Printf("  Version: %s\n", rs.Version())
	return nil
}

// RulesShowCmd prints the canonical form of a rules file.
type RulesShowCmd struct {
	Path string `arg:"" help:"Rules file" type:"existingfile"`
}

func (c *RulesShowCmd) Run() error {
	rs, err := loadRules(c.Path)
	if err != nil {
		return err
	}

	type ruleOut struct {
		Pattern       string `json:"pattern"`
		Replacement   string `json:"replacement"`
		Regex         bool   `json:"regex,omitempty"`
		CaseSensitive bool   `json:"case_sensitive"`
		WholeWord     bool   `json:"whole_word"`
		Note          string `json:"note,omitempty"`
	}
	out := struct {
		Version string    `json:"version"`
		Rules   []ruleOut `json:"rules"`
	}{Version: rs.Version()}
	for _, r := range rs.Rules() {
		out.Rules = append(out.Rules, ruleOut{
			Pattern:       r.Pattern,
			Replacement:   r.Replacement,
			Regex:         r.Regex,
			CaseSensitive: r.CaseSensitive,
			WholeWord:     r.WholeWord,
			Note:          r.Note,
		})
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal rules: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

// RulesHashCmd prints just the version hash of a rules file.
type RulesHashCmd struct {
	Path string `arg:"" help:"Rules file" type:"existingfile"`
}

func (c *RulesHashCmd) Run() error {
	rs, err := loadRules(c.Path)
	if err != nil {
		return err
	}
	fmt.Println(rs.Version())
	return nil
}

// LedgerGroup contains run history operations.
type LedgerGroup struct {
	List    LedgerListCmd    `cmd:"" help:"List recent conversion runs"`
	Show    LedgerShowCmd    `cmd:"" help:"Show one run by id"`
	Summary LedgerSummaryCmd `cmd:"" help:"Summarize all recorded runs"`
	Prune   LedgerPruneCmd   `cmd:"" help:"Delete all but the newest runs"`
}

// LedgerListCmd lists recent runs.
type LedgerListCmd struct {
	DB     string `help:"Ledger database" default:"glossa.db" type:"path"`
	Source string `help:"Only runs for this source"`
	Limit  int    `help:"Maximum rows" default:"20"`
	JSON   bool   `help:"Output as JSON"`
}

func (c *LedgerListCmd) Run() error {
	l, err := ledger.OpenReadOnly(c.DB)
	if err != nil {
		return err
	}
	defer l.Close()

	var runs []ledger.Run
	if c.Source != "" {
		runs, err = l.BySource(c.Source, c.Limit)
	} else {
		runs, err = l.Recent(c.Limit)
	}
	if err != nil {
		return err
	}

	if c.JSON {
		return printJSON(runs)
	}
	if len(runs) == 0 {
		fmt.Println("No runs recorded.")
		return nil
	}
	for _, run := range runs {
		fmt.Printf("%s  %s  %-30s wrappers=%d  rules=%s  %s\n",
			shortID(run.ID),
			run.CreatedAt.Local().Format("2006-01-02 15:04:05"),
			run.Source,
			run.Wrappers,
			shortID(run.RulesVersion),
			run.Duration.Round(time.Millisecond))
	}
	return nil
}

// LedgerShowCmd prints one run in full.
type LedgerShowCmd struct {
	ID string `arg:"" help:"Run id"`
	DB string `help:"Ledger database" default:"glossa.db" type:"path"`
}

func (c *LedgerShowCmd) Run() error {
	l, err := ledger.OpenReadOnly(c.DB)
	if err != nil {
		return err
	}
	defer l.Close()

	run, err := l.Get(c.ID)
	if err != nil {
		return err
	}
	return printJSON(run)
}

// LedgerSummaryCmd prints totals across all runs.
type LedgerSummaryCmd struct {
	DB   string `help:"Ledger database" default:"glossa.db" type:"path"`
	JSON bool   `help:"Output as JSON"`
}

func (c *LedgerSummaryCmd) Run() error {
	l, err := ledger.OpenReadOnly(c.DB)
	if err != nil {
		return err
	}
	defer l.Close()

	s, err := l.Summarize()
	if err != nil {
		return err
	}
	if c.JSON {
		return printJSON(s)
	}
	fmt.Printf("Runs: %d\n", s.Runs)
	fmt.Printf("  Sources: %d\n", s.Sources)
	fmt.Printf("  Wrappers: %d\n", s.Wrappers)
	if !s.First.IsZero() {
		fmt.Printf("  First: %s\n", s.First.Local().Format(time.RFC3339))
		fmt.Printf("  Last: %s\n", s.Last.Local().Format(time.RFC3339))
	}
	return nil
}

// LedgerPruneCmd deletes all but the newest runs.
type LedgerPruneCmd struct {
	Keep int    `required:"" help:"Number of newest runs to keep"`
	DB   string `help:"Ledger database" default:"glossa.db" type:"path"`
}

func (c *LedgerPruneCmd) Run() error {
	l, err := ledger.Open(c.DB)
	if err != nil {
		return err
	}
	defer l.Close()

	removed, err := l.Prune(c.Keep)
	if err != nil {
		return err
	}
	fmt.Printf("Pruned %d run(s), kept %d\n", removed, c.Keep)
	return nil
}

// SelfcheckCmd runs the conversion invariant checks.
type SelfcheckCmd struct {
	Document string `help:"Document to check (default: built-in sample)" type:"existingfile"`
	Rules    string `short:"r" help:"Rules file (default: built-in sample rules)" type:"existingfile"`
	Plan     string `help:"JSON plan file (default: every check)" type:"existingfile"`
	JSON     bool   `help:"Output the full report as JSON"`
}

func (c *SelfcheckCmd) Run() error {
	var rs *rules.RuleSet
	if c.Rules != "" {
		var err error
		rs, err = loadRules(c.Rules)
		if err != nil {
			return err
		}
	}

	var docHTML string
	if c.Document != "" {
		data, _, err := readDocument(c.Document)
		if err != nil {
			return err
		}
		docHTML = string(data)
	}

	var plan *selfcheck.Plan
	if c.Plan != "" {
		data, err := os.ReadFile(c.Plan)
		if err != nil {
			return fmt.Errorf("read plan: %w", err)
		}
		plan, err = selfcheck.ParsePlan(data)
		if err != nil {
			return err
		}
	}

	report, err := selfcheck.NewExecutor(rs, docHTML).Execute(plan)
	if err != nil {
		return err
	}

	if c.JSON {
		data, err := report.ToJSON()
		if err != nil {
			return err
		}
		fmt.Println(string(data))
	} else {
		fmt.Printf("Plan: %s\n", report.PlanID)
		fmt.Printf("  Rules version: %s\n", report.RulesVersion)
		fmt.Printf("  Document: %s\n", report.DocumentHash)
		for _, res := range report.Results {
			if res.Pass {
				fmt.Printf("  [OK] %s\n", res.Label)
			} else {
				fmt.Printf("  [FAIL] %s: %s\n", res.Label, res.Reason)
			}
		}
	}

	if failed := report.Failed(); len(failed) > 0 {
		return fmt.Errorf("selfcheck failed: %d check(s)", len(failed))
	}
	if !c.JSON {
		fmt.Println("Selfcheck passed!")
	}
	return nil
}

// VersionCmd prints version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	info := sqlite.GetInfo()
	fmt.Printf("glossa version %s\n", version)
	fmt.Printf("  sqlite: %s (%s)\n", info.Package, info.DriverType)
	return nil
}

// Helper functions

// loadRules validates and loads a rules file of any supported format.
func loadRules(path string) (*rules.RuleSet, error) {
	if err := validation.ValidatePath(path); err != nil {
		return nil, fmt.Errorf("invalid rules path: %w", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat rules file: %w", err)
	}
	if err := validation.ValidateSize(info.Size(), validation.MaxRulesSize); err != nil {
		return nil, fmt.Errorf("rules file %s: %w", path, err)
	}
	return rules.Load(path)
}

// readDocument reads a document from a file or, for "" or "-", stdin.
func readDocument(path string) ([]byte, string, error) {
	if path == "" || path == "-" {
		data, err := io.ReadAll(io.LimitReader(os.Stdin, validation.MaxDocumentSize+1))
		if err != nil {
			return nil, "", fmt.Errorf("read stdin: %w", err)
		}
		if err := validation.ValidateSize(int64(len(data)), validation.MaxDocumentSize); err != nil {
			return nil, "", fmt.Errorf("stdin: %w", err)
		}
		return data, "-", nil
	}

	if err := validation.ValidatePath(path); err != nil {
		return nil, "", fmt.Errorf("invalid document path: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("read document: %w", err)
	}
	if err := validation.ValidateSize(int64(len(data)), validation.MaxDocumentSize); err != nil {
		return nil, "", fmt.Errorf("document %s: %w", path, err)
	}
	if _, err := validation.ValidateFileType(bytes.NewReader(data), filepath.Base(path)); err != nil {
		return nil, "", fmt.Errorf("document %s: %w", path, err)
	}
	return data, path, nil
}

// convertDocument runs the full pipeline over one document until its first
// pass completes, then renders the converted tree.
func convertDocument(ctx context.Context, data []byte, rs *rules.RuleSet, cfg pipeline.Config) (string, pipeline.Stats, error) {
	doc, err := dom.Parse(bytes.NewReader(data))
	if err != nil {
		return "", pipeline.Stats{}, fmt.Errorf("parse document: %w", err)
	}
	cfg.Document = doc
	cfg.Rules = rs

	p, err := pipeline.New(cfg)
	if err != nil {
		return "", pipeline.Stats{}, err
	}
	defer p.Close()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go p.Run(runCtx)

	deadline := time.Now().Add(60 * time.Second)
	for p.Stats().Passes < 1 {
		select {
		case <-ctx.Done():
			return "", pipeline.Stats{}, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
		if time.Now().After(deadline) {
			return "", pipeline.Stats{}, fmt.Errorf("conversion timed out")
		}
	}

	type result struct {
		rendered string
		err      error
	}
	ch := make(chan result, 1)
	if !p.Do(func() {
		rendered, err := p.Document().RenderString()
		ch <- result{rendered, err}
	}) {
		return "", pipeline.Stats{}, fmt.Errorf("pipeline closed before render")
	}
	r := <-ch
	if r.err != nil {
		return "", pipeline.Stats{}, fmt.Errorf("render document: %w", r.err)
	}
	return r.rendered, p.Stats(), nil
}

// convertOnce converts a document with a single synchronous walker pass.
// Bundle and watch conversions use it; there is nothing to coalesce when
// the input is a byte slice.
func convertOnce(data []byte, rs *rules.RuleSet, chunkSize int) ([]byte, walker.Stats, error) {
	doc, err := dom.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, walker.Stats{}, fmt.Errorf("parse document: %w", err)
	}
	marks := classify.NewMarks()
	w, err := walker.New(walker.Config{
		Document: doc,
		Processor: textproc.New(rs, textproc.Config{
			Cache: cache.NewDefaultTextCache(rs.Version()),
		}),
		Classifier: classify.New(marks),
		Marks:      marks,
	})
	if err != nil {
		return nil, walker.Stats{}, err
	}

	pass := w.Start(doc.Body(), 1)
	for !pass.Step(chunkSize) {
	}

	rendered, err := doc.RenderString()
	if err != nil {
		return nil, walker.Stats{}, fmt.Errorf("render document: %w", err)
	}
	return []byte(rendered), pass.Stats(), nil
}

// recordRun appends one run to a ledger database.
func recordRun(path string, run ledger.Run) (ledger.Run, error) {
	l, err := ledger.Open(path)
	if err != nil {
		return ledger.Run{}, fmt.Errorf("open ledger: %w", err)
	}
	defer l.Close()

	rec, err := l.Record(run)
	if err != nil {
		return ledger.Run{}, fmt.Errorf("record run: %w", err)
	}
	return rec, nil
}

func isHTMLPath(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".html", ".htm", ".xhtml":
		return true
	}
	return false
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func initLogging() {
	level := logging.LevelInfo
	switch CLI.LogLevel {
	case "debug":
		level = logging.LevelDebug
	case "warn":
		level = logging.LevelWarn
	case "error":
		level = logging.LevelError
	}
	format := logging.FormatText
	if CLI.LogFormat == "json" {
		format = logging.FormatJSON
	}
	logging.InitLogger(level, format)
}

func main() {
	ctx := kong.Parse(&CLI,
		kong.Name("glossa"),
		kong.Description("Glossa - live glossary substitution for HTML documents"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
	)
	initLogging()
	err := ctx.Run(ctx)
	ctx.FatalIfErrorf(err)
}
