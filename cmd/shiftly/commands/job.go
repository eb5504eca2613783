package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/shiftly/escrow"
	"github.com/teranos/shiftly/instant"
	"github.com/teranos/shiftly/logger"
)

// JobCmd inspects jobs directly in the database
var JobCmd = &cobra.Command{
	Use:   "job",
	Short: "Inspect instant jobs",
}

var jobShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show a job with its waves and escrow",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobShow,
}

var (
	jobShowJSON bool
	jobDBPath   string
)

func init() {
	jobShowCmd.Flags().BoolVarP(&jobShowJSON, "json", "j", false, "Output as JSON")
	jobShowCmd.Flags().StringVar(&jobDBPath, "db-path", "", "Database path (overrides config)")
	JobCmd.AddCommand(jobShowCmd)
}

type jobReport struct {
	Job    *instant.Job   `json:"job"`
	Escrow *escrow.Escrow `json:"escrow"`
}

func runJobShow(cmd *cobra.Command, args []string) error {
	database, _, err := openDatabase(jobDBPath)
	if err != nil {
		return err
	}
	defer database.Close()

	ctx := context.Background()
	store := instant.NewStore()
	job, err := store.Get(ctx, database, args[0])
	if err != nil {
		return err
	}
	if job.Waves, err = store.Waves(ctx, database, job.ID); err != nil {
		return err
	}
	held, err := escrow.NewLedger(nil, logger.Logger).Get(ctx, database, job.EscrowID)
	if err != nil {
		return err
	}

	if jobShowJSON {
		data, err := json.MarshalIndent(jobReport{Job: job, Escrow: held}, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal job: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	}

	pterm.DefaultSection.Printfln("Job %s", job.ID)
	rows := pterm.TableData{
		{"Status", string(job.Status)},
		{"Title", job.JobTitle},
		{"Employer", job.EmployerID},
		{"Pay", fmt.Sprintf("%.2f", job.Pay)},
		{"Expires", job.ExpiresAt.Format(time.RFC3339)},
		{"Wave", fmt.Sprintf("%d", job.CurrentWave)},
	}
	if s := job.CurrentStudent(); s != "" {
		rows = append(rows, []string{"Student", s})
	}
	if job.CompletedAt != nil {
		rows = append(rows, []string{"Completed", job.CompletedAt.Format(time.RFC3339)})
	}
	if err := pterm.DefaultTable.WithData(rows).Render(); err != nil {
		return err
	}

	if len(job.Waves) > 0 {
		pterm.DefaultSection.WithLevel(2).Println("Waves")
		waves := pterm.TableData{{"#", "At", "Candidates"}}
		for _, w := range job.Waves {
			waves = append(waves, []string{fmt.Sprint(w.Number), w.BroadcastAt.Format(time.RFC3339), strings.Join(w.Candidates, ", ")})
		}
		if err := pterm.DefaultTable.WithHasHeader().WithData(waves).Render(); err != nil {
			return err
		}
	}

	pterm.DefaultSection.WithLevel(2).Println("Escrow")
	return pterm.DefaultTable.WithData(pterm.TableData{
		{"Status", string(held.Status)},
		{"Amount", held.Amount.StringFixed(2)},
		{"Fee", held.PlatformFee.StringFixed(2)},
		{"Held", held.HeldAmount.StringFixed(2)},
	}).Render()
}
