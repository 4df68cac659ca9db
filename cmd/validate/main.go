// Command validate runs the nine integrity checks (spec §4.2) once against
// the Item/Queue/Category stores, optionally repairing what it finds, and
// prints the resulting health report. Grounded on cmd/backfill/main.go's
// one-shot-tool shape: connect, run a fixed unit of work straight through,
// log progress, exit.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nepenth/kb-pipeline/internal/store"
	"github.com/nepenth/kb-pipeline/internal/validator"
)

func main() {
	var (
		autoFix = flag.Bool("fix", false, "apply repairs for fixable issues")
		dbPath  = flag.String("db", envOr("KB_DB_PATH", "kb_pipeline.db"), "sqlite database path (ignored if KB_DB_DRIVER=postgres)")
		kbDir   = flag.String("kb-dir", envOr("KB_KNOWLEDGE_BASE_DIR", "knowledge_base"), "knowledge base root that kb_file_path is relative to")
		asJSON  = flag.Bool("json", false, "print the report as JSON instead of a summary")
	)
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbCfg := store.DefaultConfig()
	dbCfg.Path = *dbPath
	dbCfg.LoadFromEnv()

	db, err := store.Connect(ctx, dbCfg, logger)
	if err != nil {
		logger.Error("connect store", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	if err := store.Migrate(ctx, db); err != nil {
		logger.Error("migrate store", "error", err)
		os.Exit(1)
	}

	items := store.NewItemStore(db)
	queue := store.NewQueueStore(db)
	categories := store.NewCategoryStore(db)

	valCfg := validator.DefaultConfig()
	valCfg.KnowledgeBaseDir = *kbDir
	val := validator.New(items, queue, categories, validator.NewOSFileChecker(), valCfg, logger)

	report, err := val.Run(ctx, *autoFix)
	if err != nil {
		logger.Error("validation run failed", "error", err)
		os.Exit(1)
	}

	if *asJSON {
		json.NewEncoder(os.Stdout).Encode(report)
		return
	}

	printReport(report)
	if report.Status == validator.StatusCritical || report.Status == validator.StatusPoor {
		os.Exit(1)
	}
}

func printReport(report validator.Report) {
	fmt.Printf("knowledge base health: %s\n", report.Status)
	for _, c := range report.Checks {
		mark := "ok"
		if !c.IsValid {
			mark = "FAIL"
		}
		fmt.Printf("  [%s] %s", mark, c.Name)
		if c.IssueCount > 0 {
			fmt.Printf(" — %d issue(s)", c.IssueCount)
			if c.FixesApplied > 0 {
				fmt.Printf(", %d fixed", c.FixesApplied)
			}
		}
		fmt.Println()
	}
	fmt.Printf("%d/%d checks passed\n", report.Passed, report.TotalChecks)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
