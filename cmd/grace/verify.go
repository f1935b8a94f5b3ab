package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/grace-platform/grace/pkg/audit"
)

// runVerifyCmd walks the audit chain on disk and reports the first
// break, if any.
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		auditDB    string
		jsonOutput bool
	)
	cmd.StringVar(&auditDB, "audit-db", "", "Path to the audit database (default: $DATA_DIR/audit.db)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output the report as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	if auditDB == "" {
		dataDir := os.Getenv("DATA_DIR")
		if dataDir == "" {
			dataDir = "./data"
		}
		auditDB = filepath.Join(dataDir, "audit.db")
	}
	if _, err := os.Stat(auditDB); err != nil {
		fmt.Fprintf(stderr, "audit database not found: %s\n", auditDB)
		return 1
	}

	log, err := audit.OpenSQLiteLog(auditDB, nil)
	if err != nil {
		fmt.Fprintf(stderr, "open audit log: %v\n", err)
		return 1
	}
	defer log.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	report, err := log.VerifyIntegrity(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "verify: %v\n", err)
		return 1
	}

	if jsonOutput {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(report)
	} else if report.Valid {
		fmt.Fprintf(stdout, "OK: %d entries, chain head %s\n", report.Entries, report.ChainHead)
	} else {
		fmt.Fprintf(stdout, "BROKEN at seq %d: %s\n", report.BrokenAt, report.Detail)
	}
	if !report.Valid {
		return 1
	}
	return 0
}

func runHealthCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("health", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var addr string
	cmd.StringVar(&addr, "addr", "http://localhost:8080", "Server base URL")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(addr + "/healthz")
	if err != nil {
		fmt.Fprintf(stderr, "health check failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(stderr, "health check failed: status %d\n", resp.StatusCode)
		return 1
	}
	fmt.Fprintln(stdout, "OK")
	return 0
}
