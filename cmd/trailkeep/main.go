// Package main is the CLI entry point for trailkeep — a tamper-evident
// audit trail for privileged actions (uploads, analyses, downloads,
// logins, security scans).
//
// Records are appended to per-day, hash-chained JSONL segments: each
// record's hash covers its own fields plus the previous record's hash,
// so any retroactive modification of the stored log is detectable by
// replaying the chain. The trail proves tampering; it does not prevent
// it and does not encrypt record contents.
//
// CLI commands (cobra):
//
//	trailkeep record    - Append one audit record
//	trailkeep tail      - Show recent records (-f to follow)
//	trailkeep query     - Query records with filters
//	trailkeep verify    - Verify segment chain integrity
//	trailkeep summary   - Activity summary over a time window
//	trailkeep export    - Export the trail (jsonl/json/csv)
//	trailkeep serve     - Serve the dashboard + read-only REST API
//	trailkeep config    - View/generate configuration
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/trailkeep/trailkeep/internal/audit"
	"github.com/trailkeep/trailkeep/internal/config"
	"github.com/trailkeep/trailkeep/internal/dashboard"
)

// Build-time variables injected via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// defaultConfigDir returns the path to ~/.trailkeep/ where config.yaml
// and the audit/ directory live by default.
func defaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		// Fall back to the current directory if home can't be determined.
		return ".trailkeep"
	}
	return filepath.Join(home, ".trailkeep")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// ============================================================================
// Root command
// ============================================================================

// configDir is the global flag for the trailkeep config/state directory.
var configDir string

var rootCmd = &cobra.Command{
	Use:   "trailkeep",
	Short: "trailkeep — tamper-evident audit trail",
	Long: `trailkeep records privileged actions in an append-only, hash-chained
audit trail. Each record embeds the previous record's hash, so modifying,
removing, or reordering any stored record breaks the chain from that
point forward — and 'trailkeep verify' pinpoints where.

One segment file per UTC day; each day starts a fresh chain.`,
	Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
}

func init() {
	// --config-dir: Override the default ~/.trailkeep/ directory.
	// Persistent so all subcommands inherit it.
	rootCmd.PersistentFlags().StringVar(
		&configDir,
		"config-dir",
		defaultConfigDir(),
		"Path to trailkeep config and state directory",
	)

	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(tailCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(summaryCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(configCmd)
}

// openSink loads the config and opens the audit sink it points at.
func openSink() (*audit.Sink, *config.Config, error) {
	cfg, err := config.Load(filepath.Join(configDir, "config.yaml"))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	sink, err := audit.New(cfg.AuditDir(configDir), audit.Options{
		DisableIndex: !cfg.Audit.Index,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open audit trail: %w", err)
	}
	return sink, cfg, nil
}

// ============================================================================
// trailkeep record — Append one audit record
// ============================================================================

var (
	recordAction    string
	recordResult    string
	recordActorID   int64
	recordActorName string
	recordDetails   []string
	recordSource    string
	recordAgent     string
)

// recordCmd appends a single record. Exists for operational use and for
// the services that shell out instead of linking the audit package.
var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Append one audit record",
	Long: `Append one record to today's segment. The record is durably written
and chained before the command returns.

Examples:
  trailkeep record --action LOGIN --result SUCCESS --actor-id 42 --actor-name alice
  trailkeep record --action UPLOAD --result REJECTED --actor-name bob \
      --detail filename=evil.zip --detail size_bytes=123456 --source 10.1.2.3`,
	RunE: func(cmd *cobra.Command, args []string) error {
		action, err := audit.ParseAction(recordAction)
		if err != nil {
			return err
		}
		result, err := audit.ParseResult(recordResult)
		if err != nil {
			return err
		}
		details, err := parseDetailFlags(recordDetails)
		if err != nil {
			return err
		}

		event := audit.Event{
			Action:        action,
			Result:        result,
			Details:       details,
			SourceAddress: recordSource,
			AgentString:   recordAgent,
		}
		if recordActorName != "" || cmd.Flags().Changed("actor-id") {
			event.Actor = &audit.Actor{ID: recordActorID, Name: recordActorName}
		}

		sink, _, err := openSink()
		if err != nil {
			return err
		}
		defer sink.Close()

		rec, err := sink.Record(event)
		if err != nil {
			return fmt.Errorf("record not written: %w", err)
		}
		fmt.Printf("recorded %s %s at %s\n  hash: %s\n", rec.Action, rec.Result, rec.Timestamp, rec.RecordHash)
		return nil
	},
}

func init() {
	recordCmd.Flags().StringVar(&recordAction, "action", "", "Action: UPLOAD, ANALYSIS, DOWNLOAD, LOGIN, SECURITY_SCAN")
	recordCmd.Flags().StringVar(&recordResult, "result", "", "Result: SUCCESS, FAILURE, REJECTED, ERROR")
	recordCmd.Flags().Int64Var(&recordActorID, "actor-id", 0, "Numeric actor ID")
	recordCmd.Flags().StringVar(&recordActorName, "actor-name", "", "Actor name (omit for unauthenticated events)")
	recordCmd.Flags().StringArrayVar(&recordDetails, "detail", nil, "Detail field key=value (repeatable, order-preserving)")
	recordCmd.Flags().StringVar(&recordSource, "source", "", "Source address of the request")
	recordCmd.Flags().StringVar(&recordAgent, "agent", "", "User agent string of the request")
	recordCmd.MarkFlagRequired("action")
	recordCmd.MarkFlagRequired("result")
}

// parseDetailFlags turns repeated key=value flags into ordered detail
// fields. Values that parse as integers or booleans keep that type;
// everything else stays a string.
func parseDetailFlags(pairs []string) (audit.Details, error) {
	var details audit.Details
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --detail %q (want key=value)", pair)
		}
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			details = append(details, audit.Int(key, n))
		} else if b, err := strconv.ParseBool(value); err == nil {
			details = append(details, audit.Bool(key, b))
		} else {
			details = append(details, audit.String(key, value))
		}
	}
	return details, nil
}

// ============================================================================
// trailkeep tail — Show recent records
// ============================================================================

var (
	tailFollowMode bool
	tailLimit      int
)

var tailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Show recent audit records",
	Long:  `Show the most recent records. Use -f to follow in real-time (like tail -f).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		sink, _, err := openSink()
		if err != nil {
			return err
		}
		defer sink.Close()

		records, err := sink.Tail(tailLimit)
		if err != nil {
			return fmt.Errorf("failed to read audit trail: %w", err)
		}
		// Tail returns newest first; print oldest first like tail(1).
		for i := len(records) - 1; i >= 0; i-- {
			printRecord(records[i])
		}

		if tailFollowMode {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			err := sink.Follow(ctx, printRecord)
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		return nil
	},
}

func init() {
	tailCmd.Flags().BoolVarP(&tailFollowMode, "follow", "f", false, "Follow new records in real-time")
	tailCmd.Flags().IntVarP(&tailLimit, "limit", "n", 20, "Number of recent records to show")
}

// ============================================================================
// trailkeep query — Query records with filters
// ============================================================================

var (
	queryActor  string
	queryAction string
	queryResult string
	querySince  string
	queryLimit  int
)

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query audit records with filters",
	Long: `Query the trail with filters. Supports filtering by actor name
(glob patterns), action, result, and time range.

Examples:
  trailkeep query --actor 'admin*' --result FAILURE --since 24h
  trailkeep query --action UPLOAD --limit 100`,
	RunE: func(cmd *cobra.Command, args []string) error {
		sink, _, err := openSink()
		if err != nil {
			return err
		}
		defer sink.Close()

		records, err := sink.Query(audit.QueryParams{
			Actor:  queryActor,
			Action: queryAction,
			Result: queryResult,
			Since:  querySince,
			Limit:  queryLimit,
		})
		if err != nil {
			return fmt.Errorf("audit query failed: %w", err)
		}

		if len(records) == 0 {
			fmt.Println("No matching audit records found.")
			return nil
		}
		for _, rec := range records {
			printRecord(rec)
		}
		fmt.Printf("\n%d records found.\n", len(records))
		return nil
	},
}

func init() {
	queryCmd.Flags().StringVar(&queryActor, "actor", "", "Filter by actor name (glob pattern, e.g. 'admin*')")
	queryCmd.Flags().StringVar(&queryAction, "action", "", "Filter by action (UPLOAD, ANALYSIS, DOWNLOAD, LOGIN, SECURITY_SCAN)")
	queryCmd.Flags().StringVar(&queryResult, "result", "", "Filter by result (SUCCESS, FAILURE, REJECTED, ERROR)")
	queryCmd.Flags().StringVar(&querySince, "since", "", "Show records since duration (e.g. 1h, 24h) or RFC3339 timestamp")
	queryCmd.Flags().IntVar(&queryLimit, "limit", 50, "Maximum number of records to return")
}

// ============================================================================
// trailkeep verify — Verify segment chain integrity
// ============================================================================

var verifyAll bool

// verifyCmd replays a segment and reports the first point of
// divergence, if any. Exit status is non-zero when a chain is broken,
// so the command slots into cron-style spot checks.
var verifyCmd = &cobra.Command{
	Use:   "verify [date]",
	Short: "Verify hash chain integrity",
	Long: `Verify a segment's hash chain by replaying its records and recomputing
every hash. Records before the first break are verified; the breaking
record and everything after it are inconsistent.

With no arguments, verifies today's segment. Pass a date (YYYYMMDD or
YYYY-MM-DD) to verify another day, or --all for every segment.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sink, _, err := openSink()
		if err != nil {
			return err
		}
		defer sink.Close()

		var reports []*audit.Report
		if verifyAll {
			reports, err = sink.VerifyAll()
			if err != nil {
				return fmt.Errorf("verification failed: %w", err)
			}
		} else {
			date := time.Now().UTC().Format("20060102")
			if len(args) == 1 {
				date = args[0]
			}
			report, err := sink.VerifySegment(date)
			if err != nil {
				return fmt.Errorf("verification failed: %w", err)
			}
			reports = append(reports, report)
		}

		broken := 0
		for _, report := range reports {
			printReport(report)
			if !report.Valid {
				broken++
			}
		}
		if broken > 0 {
			return fmt.Errorf("audit trail integrity violation: %d broken segment(s)", broken)
		}
		return nil
	},
}

func init() {
	verifyCmd.Flags().BoolVar(&verifyAll, "all", false, "Verify every segment")
}

// printReport renders one verification report.
func printReport(report *audit.Report) {
	if report.Valid {
		fmt.Printf("[trailkeep] segment %s VALID (%d records verified)\n", report.Date, report.Verified)
		return
	}

	fmt.Printf("[trailkeep] segment %s BROKEN at record #%d (%d/%d verified)\n",
		report.Date, report.FirstBreak, report.Verified, report.TotalRecords)
	for _, f := range report.Findings {
		switch f.Kind {
		case audit.FindingMalformed:
			fmt.Printf("  #%d malformed record: %s\n", f.Index, f.Detail)
		case audit.FindingHashMismatch:
			fmt.Printf("  #%d hash mismatch:\n    expected: %s\n    actual:   %s\n", f.Index, f.Expected, f.Actual)
		case audit.FindingChainBreak:
			fmt.Printf("  #%d chain break:\n    expected previous: %s\n    actual previous:   %s\n", f.Index, f.Expected, f.Actual)
		}
	}
}

// ============================================================================
// trailkeep summary — Activity summary
// ============================================================================

var (
	summarySince    string
	summaryFromDate string
	summaryToDate   string
	summaryJSON     bool
)

var summaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Activity summary over a time window",
	Long: `Aggregate verified records by action, result, and actor. Records at or
after a chain break are excluded from the counts and reported separately,
so tampered data never feeds a compliance report.

Examples:
  trailkeep summary --since 24h
  trailkeep summary --from 2026-08-01 --to 2026-08-31 --json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var params audit.SummaryParams
		switch {
		case summaryFromDate != "" || summaryToDate != "":
			if summaryFromDate != "" {
				from, err := time.Parse("2006-01-02", summaryFromDate)
				if err != nil {
					return fmt.Errorf("invalid --from date: %w", err)
				}
				params.From = from.UTC()
			}
			if summaryToDate != "" {
				to, err := time.Parse("2006-01-02", summaryToDate)
				if err != nil {
					return fmt.Errorf("invalid --to date: %w", err)
				}
				// --to is inclusive: extend to the end of that day.
				params.To = to.UTC().Add(24 * time.Hour)
			}
		default:
			window, err := time.ParseDuration(summarySince)
			if err != nil {
				return fmt.Errorf("invalid --since duration: %w", err)
			}
			params.From = time.Now().UTC().Add(-window)
		}

		sink, _, err := openSink()
		if err != nil {
			return err
		}
		defer sink.Close()

		summary, err := sink.Summarize(params)
		if err != nil {
			return fmt.Errorf("summary failed: %w", err)
		}

		if summaryJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(summary)
		}

		fmt.Printf("Segments: %s\n", strings.Join(summary.Segments, ", "))
		fmt.Printf("Records:  %d verified / %d raw", summary.TotalVerified, summary.RawTotal)
		if summary.Skipped > 0 {
			fmt.Printf("  (%d inconsistent, excluded)", summary.Skipped)
		}
		fmt.Println()
		printCounts("By action", summary.ByAction)
		printCounts("By result", summary.ByResult)
		printCounts("By actor", summary.ByActor)
		return nil
	},
}

func init() {
	summaryCmd.Flags().StringVar(&summarySince, "since", "24h", "Trailing window (e.g. 1h, 24h, 168h)")
	summaryCmd.Flags().StringVar(&summaryFromDate, "from", "", "Range start date (YYYY-MM-DD, UTC)")
	summaryCmd.Flags().StringVar(&summaryToDate, "to", "", "Range end date, inclusive (YYYY-MM-DD, UTC)")
	summaryCmd.Flags().BoolVar(&summaryJSON, "json", false, "Emit the summary as JSON")
}

func printCounts(title string, counts map[string]int) {
	if len(counts) == 0 {
		return
	}
	fmt.Printf("%s:\n", title)
	for key, n := range counts {
		fmt.Printf("  %-16s %d\n", key, n)
	}
}

// ============================================================================
// trailkeep export — Export the trail
// ============================================================================

var exportFormat string

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the audit trail",
	Long: `Export every record to stdout in the specified format.
Supported formats: csv, json, jsonl.

Example:
  trailkeep export --format csv > audit_export.csv`,
	RunE: func(cmd *cobra.Command, args []string) error {
		sink, _, err := openSink()
		if err != nil {
			return err
		}
		defer sink.Close()

		return sink.Export(os.Stdout, exportFormat)
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportFormat, "format", "jsonl", "Export format: csv, json, jsonl")
}

// ============================================================================
// trailkeep serve — Dashboard + read-only REST API
// ============================================================================

// serveCmd runs the dashboard server. The server never writes to the
// trail; records land via other processes (services linking the audit
// package, or the `record` command), and the audit-directory watcher
// feeds the live WebSocket feed from the segment files.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the dashboard and read-only REST API",
	Long: `Start the trailkeep server. Serves the web dashboard, a read-only REST
API (status, segments, records, verification, summaries), and a WebSocket
live feed of records as they land in the segment files.

Binds to the address from config.yaml (default: 127.0.0.1:3180).`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", configDir, err)
	}

	sink, cfg, err := openSink()
	if err != nil {
		return err
	}
	defer sink.Close()

	mux := http.NewServeMux()

	// Track per-segment record counts so segment-change events only
	// broadcast the records that are actually new.
	seen := map[string]int{}
	var dash *dashboard.Dashboard
	if cfg.Dashboard.Enabled {
		dash = dashboard.New(dashboard.Options{Sink: sink})
		mux.Handle("/dashboard", dash)
		mux.Handle("/dashboard/", dash)
		mux.Handle("/dashboard/ws", dash.WebSocketHandler())
		mux.Handle("/api/", dash.APIHandler())
	}

	// Watch the audit directory: appends from other processes surface
	// on the live feed without any coordination with the writer.
	watcher, err := config.NewWatcher(sink.Dir(), config.WatchTargets{
		OnSegmentChange: func(date string) {
			if dash == nil {
				return
			}
			fresh, total, err := sink.RecordsAfter(date, seen[date])
			if err != nil {
				return
			}
			seen[date] = total
			for _, rec := range fresh {
				dash.BroadcastRecord(rec)
			}
		},
		OnDigestChange: func(date string) {
			ok, err := sink.CheckDigest(date)
			if err == nil && !ok {
				slog.Warn("digest sidecar disagrees with segment tail, run verify", "segment", date)
			}
		},
	})
	if err != nil {
		return fmt.Errorf("failed to watch audit directory: %w", err)
	}
	defer watcher.Close()

	// Prime the seen counts so existing records don't replay onto the
	// feed at startup.
	if dates, err := sink.SegmentDates(); err == nil {
		for _, date := range dates {
			if _, total, err := sink.RecordsAfter(date, 0); err == nil {
				seen[date] = total
			}
		}
	}

	// Health check endpoint.
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status":"ok","version":"%s"}`, version)
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	fmt.Printf("[trailkeep] serving on http://%s (dashboard: %v, audit dir: %s)\n",
		addr, cfg.Dashboard.Enabled, sink.Dir())

	// Run until SIGINT/SIGTERM, then shut down gracefully.
	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigCh:
		fmt.Printf("\n[trailkeep] received %s, shutting down\n", sig)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// ============================================================================
// trailkeep config — Configuration management
// ============================================================================

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View and generate configuration",
	Long: `Manage the trailkeep configuration. The config file lives at
~/.trailkeep/config.yaml and defines the server bind address, the audit
directory, the query-index toggle, and the dashboard toggle.`,
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configGenerateCmd)
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath := filepath.Join(configDir, "config.yaml")
		data, err := os.ReadFile(configPath)
		if err != nil {
			if os.IsNotExist(err) {
				fmt.Printf("No config file found at %s (defaults in effect)\n", configPath)
				fmt.Println("Run 'trailkeep config generate' to write a template.")
				return nil
			}
			return fmt.Errorf("reading config: %w", err)
		}
		fmt.Print(string(data))
		return nil
	},
}

var configGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Write a default config.yaml",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := os.MkdirAll(configDir, 0o755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
		configPath := filepath.Join(configDir, "config.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return fmt.Errorf("%s already exists, refusing to overwrite", configPath)
		}
		if err := config.WriteDefault(configPath); err != nil {
			return err
		}
		fmt.Printf("Wrote %s\n", configPath)
		return nil
	},
}

// ============================================================================
// Output helpers
// ============================================================================

// printRecord formats one record for terminal output.
func printRecord(r audit.Record) {
	actor := "anonymous"
	if r.ActorName != nil && *r.ActorName != "" {
		actor = *r.ActorName
	}
	result := string(r.Result)
	// Uppercase already; highlight non-success outcomes with a marker.
	marker := " "
	if r.Result != audit.ResultSuccess {
		marker = "!"
	}
	fmt.Printf("[%s]%s actor=%-12s action=%-14s result=%-8s hash=%s\n",
		r.Timestamp, marker, actor, r.Action, result, r.RecordHash[:12])
}
