// Package main is a diagnostic tool for checking database connectivity and the
// state of live workflow data. It prints record counts by lifecycle state, the
// number of non-terminal workflows, and steps that are blocked or past due.
// The binary exits non-zero on any failure so it can gate a deployment.
package main

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/qms-lifecycle/qms-lifecycle/internal/config"
	"github.com/qms-lifecycle/qms-lifecycle/internal/db"
)

type stateCount struct {
	State string `db:"state"`
	Count int    `db:"count"`
}

type openStep struct {
	InstanceID string     `db:"instance_id"`
	Seq        int        `db:"seq"`
	Status     string     `db:"status"`
	DueAt      *time.Time `db:"due_at"`
}

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	database, err := db.Connect(cfg.Database.GetDSN(), 2, 1)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer database.Close()

	if err := report(database); err != nil {
		log.Fatalf("Check failed: %v", err)
	}
}

func report(database *sqlx.DB) error {
	fmt.Println("=== RECORDS BY STATE ===")
	var records []stateCount
	if err := database.Select(&records, `SELECT state, COUNT(*) AS count FROM records GROUP BY state ORDER BY state`); err != nil {
		return fmt.Errorf("query records: %w", err)
	}
	for _, r := range records {
		fmt.Printf("%-22s %d\n", r.State, r.Count)
	}

	var active int
	if err := database.Get(&active, `SELECT COUNT(*) FROM records WHERE active_instance_id IS NOT NULL`); err != nil {
		return fmt.Errorf("count active workflows: %w", err)
	}
	fmt.Printf("\nRecords with an active workflow: %d\n", active)

	fmt.Println("\n=== BLOCKED OR OVERDUE STEPS ===")
	var steps []openStep
	err := database.Select(&steps, `
		SELECT instance_id, seq, status, due_at
		FROM steps
		WHERE status = 'blocked' OR (status = 'active' AND due_at < NOW())
		ORDER BY due_at NULLS LAST`)
	if err != nil {
		return fmt.Errorf("query steps: %w", err)
	}
	if len(steps) == 0 {
		fmt.Println("None")
	}
	for _, s := range steps {
		due := "-"
		if s.DueAt != nil {
			due = s.DueAt.UTC().Format(time.RFC3339)
		}
		fmt.Printf("workflow %s step %d: %s (due %s)\n", s.InstanceID, s.Seq, s.Status, due)
	}
	return nil
}
