package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/attendance/internal/database"
)

var reportCmd = &cobra.Command{
	Use:   "report <session-id>",
	Short: "Print the stored attendance of a session",
	Long: `Print the session record and every attendance record stored for it.

Examples:
  attendance report 5b7c1e0e-8f0a-4d4e-9f61-2b7f3c1d9a10
  attendance report --absent-only 5b7c1e0e-8f0a-4d4e-9f61-2b7f3c1d9a10
  attendance report --json 5b7c1e0e-8f0a-4d4e-9f61-2b7f3c1d9a10`,
	Args: cobra.ExactArgs(1),
	RunE: runReport,
}

func init() {
	rootCmd.AddCommand(reportCmd)

	reportCmd.Flags().Bool("json", false, "Output as JSON")
	reportCmd.Flags().Bool("absent-only", false, "Only list absent identities")
}

// SessionReport is the JSON form of a stored session.
type SessionReport struct {
	Session *database.SessionRecord `json:"session,omitempty"`
	Present int                     `json:"present"`
	Absent  int                     `json:"absent"`
	Records []reportRecord          `json:"records"`
}

type reportRecord struct {
	IdentityID string     `json:"identity_id"`
	Present    bool       `json:"present"`
	MarkedAt   *time.Time `json:"marked_at,omitempty"`
	Confidence *float64   `json:"confidence,omitempty"`
}

func buildReport(rec *database.SessionRecord, records []database.AttendanceRecord, absentOnly bool) SessionReport {
	report := SessionReport{Session: rec, Records: []reportRecord{}}
	for _, r := range records {
		if r.Present() {
			report.Present++
		} else {
			report.Absent++
		}
		if absentOnly && r.Present() {
			continue
		}
		report.Records = append(report.Records, reportRecord{
			IdentityID: r.IdentityID,
			Present:    r.Present(),
			MarkedAt:   r.MarkedAt,
			Confidence: r.Confidence,
		})
	}
	return report
}

func runReport(cmd *cobra.Command, args []string) error {
	jsonOutput := mustGetBool(cmd, "json")
	absentOnly := mustGetBool(cmd, "absent-only")

	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	store, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	sessionID := args[0]

	rec, err := store.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("failed to load session: %w", err)
	}
	records, err := store.SessionRecords(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("failed to load attendance: %w", err)
	}
	// attendance can exist without a session row when persisting it failed
	if rec == nil && len(records) == 0 {
		return fmt.Errorf("session %s not found", sessionID)
	}

	report := buildReport(rec, records, absentOnly)

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	fmt.Printf("Session: %s\n", sessionID)
	if rec != nil {
		if rec.ClassName != "" {
			fmt.Printf("Class:    %s\n", rec.ClassName)
		}
		if rec.Lecturer != "" {
			fmt.Printf("Lecturer: %s\n", rec.Lecturer)
		}
		fmt.Printf("Started:  %s\n", rec.StartedAt.Local().Format(time.DateTime))
		if rec.EndedAt != nil {
			fmt.Printf("Ended:    %s\n", rec.EndedAt.Local().Format(time.DateTime))
		} else {
			fmt.Println("Ended:    (still running)")
		}
	}
	fmt.Printf("Present:  %d\nAbsent:   %d\n\n", report.Present, report.Absent)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "IDENTITY\tSTATUS\tMARKED AT\tCONFIDENCE")
	for _, r := range report.Records {
		if !r.Present {
			fmt.Fprintf(w, "%s\tabsent\t-\t-\n", r.IdentityID)
			continue
		}
		conf := "-"
		if r.Confidence != nil {
			conf = fmt.Sprintf("%.3f", *r.Confidence)
		}
		fmt.Fprintf(w, "%s\tpresent\t%s\t%s\n", r.IdentityID, r.MarkedAt.Local().Format(time.TimeOnly), conf)
	}
	return w.Flush()
}
