package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/openmirror/mirrord/internal/record"
)

func newOccurrenceCmd() *cobra.Command {
	var flagAt string

	cmd := &cobra.Command{
		Use:   "occurrence <series-key>",
		Short: "Show the effective fields of one series occurrence",
		Long: `Resolve a single instance of a recurring series: master fields with any
exception override applied on top. The series key is the master record's
external key, e.g. "replay:standup".`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			at, err := time.Parse(time.RFC3339, flagAt)
			if err != nil {
				return fmt.Errorf("parsing --at: %w", err)
			}

			a, err := buildApp()
			if err != nil {
				return err
			}
			defer a.close()

			occ, err := a.eng.Series.Occurrence(cmd.Context(), args[0], at)
			if err != nil {
				return err
			}

			return printOccurrence(occ)
		},
	}

	cmd.Flags().StringVar(&flagAt, "at", "", "occurrence time (RFC3339)")
	_ = cmd.MarkFlagRequired("at")

	return cmd
}

func printOccurrence(occ *record.Occurrence) error {
	if flagJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		return enc.Encode(occ)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "SERIES\t%s\n", occ.SeriesKey)
	fmt.Fprintf(w, "SCHEDULED\t%s\n", occ.Scheduled.UTC().Format(time.RFC3339))
	fmt.Fprintf(w, "TITLE\t%s\n", occ.Title)

	if occ.Body != "" {
		fmt.Fprintf(w, "BODY\t%s\n", occ.Body)
	}

	if occ.StartsAt != nil {
		fmt.Fprintf(w, "STARTS\t%s\n", occ.StartsAt.UTC().Format(time.RFC3339))
	}

	if occ.EndsAt != nil {
		fmt.Fprintf(w, "ENDS\t%s\n", occ.EndsAt.UTC().Format(time.RFC3339))
	}

	fmt.Fprintf(w, "ARCHIVED\t%v\n", occ.Archived)

	return w.Flush()
}
