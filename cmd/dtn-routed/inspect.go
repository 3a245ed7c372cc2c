package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nmxmxh/inos_dtn/internal/config"
	"github.com/nmxmxh/inos_dtn/internal/routing/ack"
	"github.com/nmxmxh/inos_dtn/internal/routing/persist"
)

func newInspectCmd() *cobra.Command {
	var (
		dir    string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Print the routing state saved in a state directory",
		RunE: func(cmd *cobra.Command, _ []string) error {
			report, err := readState(dir)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}
			return report.write(cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&dir, "state-dir", "", "directory holding the state files")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of tables")
	_ = cmd.MarkFlagRequired("state-dir")
	return cmd
}

func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the default configuration as YAML",
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := config.Default().Marshal()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}

type predictabilityRow struct {
	Peer  string  `json:"peer"`
	Value float32 `json:"value"`
}

type ageRow struct {
	Peer     string    `json:"peer"`
	LastSeen time.Time `json:"last_seen"`
}

type ackRow struct {
	Bundle  string    `json:"bundle"`
	Expires time.Time `json:"expires"`
}

type stateReport struct {
	Dir              string              `json:"dir"`
	LastAging        *time.Time          `json:"last_aging,omitempty"`
	Predictability   []predictabilityRow `json:"predictability"`
	Ages             []ageRow            `json:"ages"`
	Acknowledgements []ackRow            `json:"acknowledgements"`
	Missing          []string            `json:"missing,omitempty"`
}

// readState decodes whichever state files exist. A missing file is noted,
// a corrupt one is an error.
func readState(dir string) (*stateReport, error) {
	report := &stateReport{Dir: dir}

	read := func(name string) ([]byte, bool, error) {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if errors.Is(err, fs.ErrNotExist) {
			report.Missing = append(report.Missing, name)
			return nil, false, nil
		}
		return data, err == nil, err
	}

	data, ok, err := read(persist.PredictabilityFile)
	if err != nil {
		return nil, err
	}
	if ok {
		lastAging, entries, err := persist.DecodePredictability(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", persist.PredictabilityFile, err)
		}
		t := time.Unix(int64(lastAging), 0).UTC()
		report.LastAging = &t
		for _, e := range entries {
			report.Predictability = append(report.Predictability, predictabilityRow{Peer: string(e.Peer), Value: e.Value})
		}
	}

	data, ok, err = read(persist.AgesFile)
	if err != nil {
		return nil, err
	}
	if ok {
		ages, err := persist.DecodeAges(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", persist.AgesFile, err)
		}
		for _, a := range ages {
			report.Ages = append(report.Ages, ageRow{Peer: string(a.Peer), LastSeen: time.Unix(int64(a.Unix), 0).UTC()})
		}
	}

	data, ok, err = read(persist.AcknowledgementsFile)
	if err != nil {
		return nil, err
	}
	if ok {
		acks, err := ack.Unmarshal(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", persist.AcknowledgementsFile, err)
		}
		for _, a := range acks {
			report.Acknowledgements = append(report.Acknowledgements, ackRow{Bundle: a.ID.String(), Expires: a.Expire.Time()})
		}
	}
	return report, nil
}

func (r *stateReport) write(out io.Writer) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)

	fmt.Fprintf(w, "state directory:\t%s\n", r.Dir)
	if r.LastAging != nil {
		fmt.Fprintf(w, "last aging:\t%s\n", r.LastAging.Format(time.RFC3339))
	}
	for _, name := range r.Missing {
		fmt.Fprintf(w, "missing:\t%s\n", name)
	}

	fmt.Fprintf(w, "\nPEER\tPREDICTABILITY\n")
	for _, row := range r.Predictability {
		fmt.Fprintf(w, "%s\t%.4f\n", row.Peer, row.Value)
	}

	fmt.Fprintf(w, "\nPEER\tLAST ENCOUNTER\n")
	for _, row := range r.Ages {
		fmt.Fprintf(w, "%s\t%s\n", row.Peer, row.LastSeen.Format(time.RFC3339))
	}

	fmt.Fprintf(w, "\nBUNDLE\tACK EXPIRES\n")
	for _, row := range r.Acknowledgements {
		fmt.Fprintf(w, "%s\t%s\n", row.Bundle, row.Expires.Format(time.RFC3339))
	}
	return w.Flush()
}
