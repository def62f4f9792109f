package cli

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"

	"github.com/calev/bookvec/internal/config"
	"github.com/calev/bookvec/internal/embedding"
	"github.com/calev/bookvec/internal/ingest"
	"github.com/calev/bookvec/internal/manifest"
	"github.com/calev/bookvec/internal/retrieval"
	"github.com/calev/bookvec/internal/textindex"
	"github.com/calev/bookvec/internal/vectorstore"
)

// Version is stamped at build time.
var Version = "dev"

const usage = `bookvec - semantic book indexing and retrieval

Usage:
  bookvec <command> [flags] [args]

Commands:
  ingest     Ingest documents into a collection
  query      Search a collection
  manifest   Inspect or repair the ingestion ledger
  store      Manage vector store collections
  config     Configuration helpers
  version    Print version

Run 'bookvec <command> -h' for command flags.
`

// Run dispatches a full command line and returns the process exit code.
func Run(args []string) int {
	if len(args) < 1 {
		fmt.Fprint(os.Stderr, usage)
		return 1
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var err error
	switch args[0] {
	case "ingest":
		err = runIngest(ctx, args[1:])
	case "query":
		err = runQuery(ctx, args[1:])
	case "manifest":
		err = runManifest(ctx, args[1:])
	case "store":
		err = runStore(ctx, args[1:])
	case "config":
		err = runConfig(args[1:])
	case "version":
		fmt.Printf("bookvec version %s\n", Version)
	case "-h", "-help", "--help", "help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", args[0], usage)
		return 1
	}

	if err != nil {
		if config.IsConfigNotFound(err) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		if errors.Is(err, vectorstore.ErrUnavailable) {
			color.Red("Error: %v", err)
			fmt.Fprintln(os.Stderr, "Is the vector store running? Check store.qdrant_url in your config.")
			return 1
		}
		color.Red("Error: %v", err)
		return 1
	}
	return 0
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

func openStore(cfg *config.Config) (vectorstore.Store, error) {
	switch cfg.Store.Backend {
	case "local":
		return vectorstore.NewLocalStore(cfg.Store.LocalPath)
	default:
		return vectorstore.NewQdrantStore(cfg.Store.QdrantURL, cfg.Store.QdrantAPIKey), nil
	}
}

func runIngest(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("ingest", flag.ExitOnError)
	configPath := fs.String("config", "", "config file path")
	collection := fs.String("collection", "", "target collection (default from config)")
	hierarchical := fs.Bool("hierarchical", false, "produce parent chunks alongside leaf chunks")
	domain := fs.String("domain", "", "domain tag for all books: auto or a fixed name")
	exclude := fs.String("exclude", "", "comma-separated glob patterns to skip")
	resume := fs.Bool("resume", true, "resume an interrupted run (-resume=false starts over)")
	moveTo := fs.String("move-to", "", "move source files here after successful ingestion")
	noProgress := fs.Bool("no-progress", false, "disable the progress bar")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return fmt.Errorf("ingest: no files or directories given")
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if *collection == "" {
		*collection = cfg.Store.Collection
	}
	if *hierarchical {
		cfg.Chunking.Hierarchical = true
	}
	if *domain != "" {
		cfg.Ingest.Domain = *domain
	}
	if *exclude != "" {
		for _, pattern := range strings.Split(*exclude, ",") {
			if pattern = strings.TrimSpace(pattern); pattern != "" {
				cfg.Ingest.Exclude = append(cfg.Ingest.Exclude, pattern)
			}
		}
	}
	if *moveTo != "" {
		cfg.Ingest.MoveTo = *moveTo
	}
	if !*resume {
		if err := ingest.ClearProgress(cfg.Ingest.ProgressDir, *collection); err != nil {
			return fmt.Errorf("discard progress record: %w", err)
		}
	}

	embedder, err := embedding.NewService(&cfg.Embedding)
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	man, err := manifest.Open(cfg.Store.ManifestPath)
	if err != nil {
		return err
	}

	reporter := newIngestProgress(!*noProgress && DefaultProgressEnabled())
	pipeline := ingest.New(cfg, embedder, store, man, reporter)

	files, err := pipeline.Discover(fs.Args())
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no ingestible files found (supported: .epub, .pdf, .txt, .md)")
	}

	stats, err := pipeline.Run(ctx, *collection, files)
	if err != nil {
		return err
	}

	fmt.Printf("\nIngested %d book(s), %d chunk(s) into %q\n",
		stats.TotalBooks, stats.TotalChunks, *collection)
	if stats.TotalErrors > 0 {
		color.Yellow("%d file(s) failed; rerun the same command to retry them", stats.TotalErrors)
	}
	return nil
}

func runQuery(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("query", flag.ExitOnError)
	configPath := fs.String("config", "", "config file path")
	collection := fs.String("collection", "", "collection to search (default from config)")
	topK := fs.Int("top-k", 0, "number of results (default from config)")
	mode := fs.String("mode", retrieval.ModeVector, "search mode: vector, text or hybrid")
	domain := fs.String("domain", "", "restrict results to one domain")
	contextual := fs.Bool("context", false, "expand results to their parent chunks")
	answer := fs.Bool("answer", false, "synthesize an answer from the results")
	asJSON := fs.Bool("json", false, "print the result as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return fmt.Errorf("query: no query text given")
	}
	query := strings.Join(fs.Args(), " ")

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	embedder, err := embedding.NewService(&cfg.Embedding)
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	var synth retrieval.Synthesizer
	if *answer {
		synthCfg := cfg.Synthesis
		synthCfg.Enabled = true
		s, err := retrieval.NewSynthesizer(&synthCfg)
		if err != nil {
			return err
		}
		synth = s
	}

	engine, err := retrieval.NewEngine(cfg, store, embedder, synth)
	if err != nil {
		return err
	}

	stop := startSpinner(!*asJSON && DefaultProgressEnabled(), "searching")
	result, err := engine.Query(ctx, query, retrieval.Options{
		Collection: *collection,
		TopK:       *topK,
		Mode:       *mode,
		Domain:     *domain,
		Contextual: *contextual,
		Synthesize: *answer,
	})
	stop()
	if err != nil {
		return err
	}

	if *asJSON {
		return printResultJSON(result)
	}
	printResult(result)
	return nil
}

func printResultJSON(result *retrieval.Result) error {
	type jsonChunk struct {
		ID         string  `json:"id"`
		Score      float64 `json:"score"`
		Text       string  `json:"text"`
		Title      string  `json:"title"`
		Author     string  `json:"author,omitempty"`
		Domain     string  `json:"domain,omitempty"`
		Label      string  `json:"label,omitempty"`
		Path       string  `json:"path"`
		Index      int     `json:"index"`
		Truncated  bool    `json:"truncated,omitempty"`
		Expanded   bool    `json:"expanded,omitempty"`
		ParentText string  `json:"parent_text,omitempty"`
	}
	out := struct {
		Query          string      `json:"query"`
		Chunks         []jsonChunk `json:"chunks"`
		Answer         string      `json:"answer,omitempty"`
		SynthesisError string      `json:"synthesis_error,omitempty"`
	}{Query: result.Query, Answer: result.Answer}
	if result.SynthesisErr != nil {
		out.SynthesisError = result.SynthesisErr.Error()
	}
	for _, c := range result.Chunks {
		out.Chunks = append(out.Chunks, jsonChunk{
			ID:         c.ID,
			Score:      c.Score,
			Text:       c.Text,
			Title:      c.Title,
			Author:     c.Author,
			Domain:     c.Domain,
			Label:      c.Label,
			Path:       c.Path,
			Index:      c.Index,
			Truncated:  c.Truncated,
			Expanded:   c.Expanded,
			ParentText: c.ParentText,
		})
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func printResult(result *retrieval.Result) {
	if len(result.Chunks) == 0 {
		fmt.Println("No results.")
		return
	}

	if result.Answer != "" {
		color.Cyan("Answer:")
		fmt.Println(result.Answer)
		fmt.Println()
	}
	if result.SynthesisErr != nil {
		color.Yellow("Answer synthesis unavailable: %v", result.SynthesisErr)
		fmt.Println()
	}

	for i, c := range result.Chunks {
		header := fmt.Sprintf("%d. %s", i+1, c.Title)
		if c.Author != "" {
			header += " — " + c.Author
		}
		color.New(color.Bold).Println(header)
		meta := fmt.Sprintf("   score %.4f", c.Score)
		if c.Label != "" {
			meta += " · " + c.Label
		}
		if c.Domain != "" && c.Domain != ingest.DomainUnknown {
			meta += " · " + c.Domain
		}
		if c.Truncated {
			meta += " · truncated"
		}
		color.New(color.Faint).Println(meta)
		fmt.Println(indent(c.Text, "   "))
		if c.ParentText != "" {
			color.New(color.Faint).Println("   context:")
			fmt.Println(indent(c.ParentText, "   "))
		}
		fmt.Println()
	}
}

func indent(text, prefix string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = prefix + line
	}
	return strings.Join(lines, "\n")
}

func runManifest(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("manifest: expected subcommand (list, show, export, sync, verify)")
	}
	sub := args[0]

	fs := flag.NewFlagSet("manifest "+sub, flag.ExitOnError)
	configPath := fs.String("config", "", "config file path")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	man, err := manifest.Open(cfg.Store.ManifestPath)
	if err != nil {
		return err
	}

	switch sub {
	case "list":
		names := man.Collections()
		if len(names) == 0 {
			fmt.Println("Manifest is empty.")
			return nil
		}
		for _, name := range names {
			col := man.Get(name)
			fmt.Printf("%s: %d book(s), %d chunk(s), %.1f MB\n",
				name, len(col.Books), col.TotalChunks, col.TotalSizeMB)
		}
		return nil

	case "show":
		if fs.NArg() < 1 {
			return fmt.Errorf("manifest show: collection name required")
		}
		name := fs.Arg(0)
		col := man.Get(name)
		if col == nil {
			return fmt.Errorf("collection %s not in manifest", name)
		}
		fmt.Printf("Collection %s (created %s)\n", name, col.CreatedAt)
		for _, b := range col.Books {
			line := fmt.Sprintf("  %s — %d chunks, %.1f MB, ingested %s",
				b.BookTitle, b.ChunksCount, b.FileSizeMB, b.IngestedAt)
			if b.SyncDerived {
				line += " (sync-derived)"
			}
			fmt.Println(line)
		}
		fmt.Printf("Total: %d chunk(s), %.1f MB\n", col.TotalChunks, col.TotalSizeMB)
		return nil

	case "export":
		if fs.NArg() < 1 {
			return fmt.Errorf("manifest export: output path required")
		}
		if err := man.Export(fs.Arg(0)); err != nil {
			return err
		}
		fmt.Printf("Manifest exported to %s\n", fs.Arg(0))
		return nil

	case "sync":
		if fs.NArg() < 1 {
			return fmt.Errorf("manifest sync: collection name required")
		}
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()
		stop := startSpinner(DefaultProgressEnabled(), "syncing")
		err = man.Sync(ctx, store, fs.Arg(0))
		stop()
		if err != nil {
			return err
		}
		fmt.Printf("Manifest for %s rebuilt from the store\n", fs.Arg(0))
		return nil

	case "verify":
		if fs.NArg() < 1 {
			return fmt.Errorf("manifest verify: collection name required")
		}
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()
		if err := man.Verify(ctx, store, fs.Arg(0)); err != nil {
			if errors.Is(err, manifest.ErrDrift) {
				color.Yellow("%v", err)
				fmt.Println("Run 'bookvec manifest sync' to repair.")
				return nil
			}
			return err
		}
		color.Green("Manifest matches the store.")
		return nil

	default:
		return fmt.Errorf("manifest: unknown subcommand %q", sub)
	}
}

func runStore(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("store: expected subcommand (list, stats, delete, copy, alias)")
	}
	sub := args[0]

	fs := flag.NewFlagSet("store "+sub, flag.ExitOnError)
	configPath := fs.String("config", "", "config file path")
	force := fs.Bool("force", false, "skip the confirmation prompt")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	switch sub {
	case "list":
		names, err := store.ListCollections(ctx)
		if err != nil {
			return err
		}
		if len(names) == 0 {
			fmt.Println("No collections.")
			return nil
		}
		for _, name := range names {
			fmt.Println(name)
		}
		return nil

	case "stats":
		if fs.NArg() < 1 {
			return fmt.Errorf("store stats: collection name required")
		}
		info, err := store.CollectionInfo(ctx, fs.Arg(0))
		if err != nil {
			return err
		}
		fmt.Printf("Collection:  %s\n", info.Name)
		fmt.Printf("Points:      %d\n", info.PointCount)
		fmt.Printf("Dimensions:  %d\n", info.Dimensions)
		return nil

	case "delete":
		if fs.NArg() < 1 {
			return fmt.Errorf("store delete: collection name required")
		}
		name := fs.Arg(0)
		if !*force {
			fmt.Printf("Delete collection %q and its text index? [y/N] ", name)
			var reply string
			fmt.Scanln(&reply)
			if !strings.EqualFold(strings.TrimSpace(reply), "y") {
				fmt.Println("Aborted.")
				return nil
			}
		}
		if err := store.DeleteCollection(ctx, name); err != nil {
			return err
		}
		if err := textindex.Remove(cfg.Store.TextIndexDir, name); err != nil {
			return err
		}
		man, err := manifest.Open(cfg.Store.ManifestPath)
		if err != nil {
			return err
		}
		if err := man.DeleteCollection(name); err != nil {
			return err
		}
		fmt.Printf("Collection %s deleted\n", name)
		return nil

	case "copy":
		if fs.NArg() < 2 {
			return fmt.Errorf("store copy: source and destination names required")
		}
		stop := startSpinner(DefaultProgressEnabled(), "copying")
		err := store.Copy(ctx, fs.Arg(0), fs.Arg(1))
		stop()
		if err != nil {
			return err
		}
		fmt.Printf("Copied %s to %s\n", fs.Arg(0), fs.Arg(1))
		return nil

	case "alias":
		if fs.NArg() < 2 {
			return fmt.Errorf("store alias: collection and alias names required")
		}
		if err := store.Alias(ctx, fs.Arg(0), fs.Arg(1)); err != nil {
			return err
		}
		fmt.Printf("Alias %s -> %s\n", fs.Arg(1), fs.Arg(0))
		return nil

	default:
		return fmt.Errorf("store: unknown subcommand %q", sub)
	}
}

func runConfig(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("config: expected subcommand (init, path)")
	}
	switch args[0] {
	case "init":
		fs := flag.NewFlagSet("config init", flag.ExitOnError)
		force := fs.Bool("force", false, "overwrite an existing config file")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		path, err := config.DefaultConfigPath()
		if err != nil {
			return err
		}
		if *force {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return err
			}
		}
		created, err := config.WriteDefaultTemplate(path)
		if err != nil {
			return err
		}
		if created {
			fmt.Printf("Created config template at %s\n", path)
		} else {
			fmt.Printf("Config already exists at %s\n", path)
		}
		return nil
	case "path":
		path, err := config.DefaultConfigPath()
		if err != nil {
			return err
		}
		fmt.Println(path)
		return nil
	default:
		return fmt.Errorf("config: unknown subcommand %q", args[0])
	}
}
