// Command reconcile audits and repairs drift between the local document
// store and the external knowledge index. Run it by hand or on a schedule;
// it holds no locks shared with live traffic.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"

	"carenotes/kb/internal/config"
	"carenotes/kb/internal/kbindex"
	"carenotes/kb/internal/reconcile"
	"carenotes/kb/internal/store"
)

func main() {
	audit := flag.Bool("audit", false, "report orphaned and unsynced documents, mutate nothing")
	fixOrphans := flag.Bool("fix-orphans", false, "delete remote documents no local record owns")
	fixUnsynced := flag.Bool("fix-unsynced", false, "re-upload local documents missing remotely")
	retryFailed := flag.Bool("retry-failed", false, "retry the upload of FAILED documents")
	asJSON := flag.Bool("json", false, "print the audit report as JSON")
	flag.Parse()

	if !*audit && !*fixOrphans && !*fixUnsynced && !*retryFailed {
		flag.Usage()
		os.Exit(2)
	}

	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	dataStore := store.NewPostgresStore(db)

	meiliClient := kbindex.NewMeili(cfg.IndexURL, cfg.IndexMasterKey, cfg.IndexUID)
	defer meiliClient.Close()
	index := kbindex.NewRetrying(meiliClient, cfg.RetryAttempts, cfg.RetryBaseDelay)

	auditor := reconcile.NewAuditor(dataStore, index)
	fixer := reconcile.NewFixer(dataStore, index, cfg.OwnerQuotaBytes)

	exitCode := 0

	if *retryFailed {
		retried, err := fixer.RetryFailed(ctx)
		fmt.Printf("retried: %d\n", retried)
		if err != nil {
			log.Printf("retry-failed: %v", err)
			exitCode = 1
		}
	}

	if *audit || *fixOrphans || *fixUnsynced {
		report, err := auditor.Audit(ctx)
		if err != nil {
			log.Fatalf("audit failed: %v", err)
		}

		if *audit {
			printReport(report, *asJSON)
		}

		if *fixOrphans {
			deleted, err := fixer.FixOrphans(ctx, report.Orphans)
			fmt.Printf("orphans deleted: %d of %d\n", deleted, len(report.Orphans))
			if err != nil {
				log.Printf("fix-orphans: %v", err)
				exitCode = 1
			}
		}

		if *fixUnsynced {
			repaired, err := fixer.FixUnsynced(ctx, report.Unsynced)
			fmt.Printf("unsynced repaired: %d of %d\n", repaired, len(report.Unsynced))
			if err != nil {
				log.Printf("fix-unsynced: %v", err)
				exitCode = 1
			}
		}
	}

	os.Exit(exitCode)
}

func printReport(report reconcile.Report, asJSON bool) {
	if asJSON {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		_ = encoder.Encode(report)
		return
	}

	fmt.Printf("remote documents: %d\n", report.RemoteTotal)
	fmt.Printf("local synced documents: %d\n", report.LocalTotal)
	fmt.Printf("orphans: %d\n", len(report.Orphans))
	for _, id := range report.Orphans {
		fmt.Printf("  %s\n", id)
	}
	fmt.Printf("unsynced: %d\n", len(report.Unsynced))
	for _, doc := range report.Unsynced {
		fmt.Printf("  %s (document %s, owner %s)\n", doc.ExternalID, doc.ID, doc.OwnerID)
	}
}
