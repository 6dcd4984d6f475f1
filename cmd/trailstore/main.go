// Package main provides the trailstore maintenance CLI.
//
// The store is normally embedded in a hosting application; this tool opens
// the same data directory for inspection and offline maintenance: stats,
// timeline queries, history export, manual checkpoints and curation.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/graphshell/trailstore/pkg/config"
	"github.com/graphshell/trailstore/pkg/history"
	"github.com/graphshell/trailstore/pkg/trail"
	"github.com/graphshell/trailstore/pkg/trailstore"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

var (
	flagDataDir    string
	flagPassphrase string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "trailstore",
		Short: "trailstore - traversal-aware navigation history store",
		Long: `trailstore keeps the record of where you have been: every navigation
between content nodes, tiered across memory and a durable archive, with a
permanent dissolution history that outlives the graph itself.`,
	}
	rootCmd.PersistentFlags().StringVar(&flagDataDir, "data-dir", "", "store directory (default: TRAILSTORE_DATA_DIR)")
	rootCmd.PersistentFlags().StringVar(&flagPassphrase, "passphrase", "", "at-rest sealing passphrase (default: TRAILSTORE_PASSPHRASE)")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("trailstore v%s (%s)\n", version, commit)
		},
	})

	rootCmd.AddCommand(addNodeCmd(), statsCmd(), timelineCmd(), exportCmd(), checkpointCmd(), curateCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// openStore loads config from the environment, applies CLI overrides, and
// opens the store with the background checkpoint loop disabled — every
// command here is a one-shot.
func openStore() (*trailstore.DB, error) {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return nil, err
	}
	if flagDataDir != "" {
		cfg.DataDir = flagDataDir
	}
	if flagPassphrase != "" {
		cfg.Passphrase = flagPassphrase
	}
	cfg.CheckpointInterval = 0
	return trailstore.Open(cfg)
}

func addNodeCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "add-node <address>",
		Short: "Register a content node and print its identity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			nodeID := trail.NodeID(id)
			if nodeID == "" {
				nodeID = trail.NewNodeID()
			}
			added, err := db.AddNode(nodeID, args[0])
			if err != nil {
				return err
			}
			if !added {
				return fmt.Errorf("node %s already exists", nodeID)
			}
			fmt.Println(nodeID)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "use this identity instead of minting one")
	return cmd
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show store statistics across all tiers",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			st, err := db.Stats()
			if err != nil {
				return err
			}
			rec := db.Recovery()

			fmt.Printf("Nodes:             %d\n", st.Nodes)
			fmt.Printf("Edges:             %d\n", st.Edges)
			fmt.Printf("Hot records:       %d\n", st.HotRecords)
			fmt.Printf("Archived (live):   %d\n", st.ArchiveRecords.LiveRecords)
			fmt.Printf("Archived (gone):   %d\n", st.ArchiveRecords.DissolvedRecords)
			fmt.Printf("Journal entries:   %d\n", st.JournalEntries)
			if rec.EntriesSkipped > 0 {
				fmt.Printf("Recovery skipped:  %d malformed journal entries\n", rec.EntriesSkipped)
			}
			return nil
		},
	}
}

func parseFilter(address, since, until, status string) (history.Filter, error) {
	var f history.Filter
	f.AddressSubstring = address
	if since != "" {
		ts, err := time.Parse(time.RFC3339, since)
		if err != nil {
			return f, fmt.Errorf("invalid --since: %w", err)
		}
		f.Since = uint64(ts.UnixMilli())
	}
	if until != "" {
		ts, err := time.Parse(time.RFC3339, until)
		if err != nil {
			return f, fmt.Errorf("invalid --until: %w", err)
		}
		f.Until = uint64(ts.UnixMilli())
	}
	switch status {
	case "":
	case "live":
		s := trail.StatusLive
		f.Status = &s
	case "dissolved":
		s := trail.StatusDissolved
		f.Status = &s
	default:
		return f, fmt.Errorf("invalid --status %q (want live or dissolved)", status)
	}
	return f, nil
}

func timelineCmd() *cobra.Command {
	var address, since, until, status string
	cmd := &cobra.Command{
		Use:   "timeline",
		Short: "Query the traversal history across both tiers",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := parseFilter(address, since, until, status)
			if err != nil {
				return err
			}
			db, err := openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			entries, err := db.Timeline(filter)
			if err != nil {
				return err
			}
			for _, e := range entries {
				when := time.UnixMilli(int64(e.Traversal.Timestamp)).Format(time.RFC3339)
				line := fmt.Sprintf("%s  %s -> %s  [%s, %s]",
					when, e.Traversal.FromAddress, e.Traversal.ToAddress, e.Tier, e.StatusName)
				if e.ReasonName != "" {
					line += "  reason=" + e.ReasonName
				}
				fmt.Println(line)
			}
			fmt.Printf("%d traversals\n", len(entries))
			return nil
		},
	}
	cmd.Flags().StringVar(&address, "address", "", "match either endpoint address (substring)")
	cmd.Flags().StringVar(&since, "since", "", "lower time bound (RFC3339)")
	cmd.Flags().StringVar(&until, "until", "", "upper time bound (RFC3339)")
	cmd.Flags().StringVar(&status, "status", "", "restrict to live or dissolved records")
	return cmd
}

func exportCmd() *cobra.Command {
	var address, since, until, status, out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the traversal history as JSON lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := parseFilter(address, since, until, status)
			if err != nil {
				return err
			}
			db, err := openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			w := os.Stdout
			if out != "" {
				f, err := os.Create(out)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			return db.Export(w, filter)
		},
	}
	cmd.Flags().StringVar(&address, "address", "", "match either endpoint address (substring)")
	cmd.Flags().StringVar(&since, "since", "", "lower time bound (RFC3339)")
	cmd.Flags().StringVar(&until, "until", "", "upper time bound (RFC3339)")
	cmd.Flags().StringVar(&status, "status", "", "restrict to live or dissolved records")
	cmd.Flags().StringVarP(&out, "output", "o", "", "write to file instead of stdout")
	return cmd
}

func checkpointCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "checkpoint",
		Short: "Archive expired hot records and compact the journal",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			result, err := db.Checkpoint()
			if err != nil {
				return err
			}
			fmt.Printf("Visited %d edges, archived %d records, retained %d\n",
				result.EdgesVisited, result.RecordsArchived, result.RecordsRetained)
			return nil
		},
	}
}

func curateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "curate",
		Short: "Apply the configured curation policy to dissolved history",
		Long: `Destroys dissolved records older than TRAILSTORE_CURATION_MAX_AGE.
Requires TRAILSTORE_CURATION_ENABLED=true; with curation disabled this
command does nothing, by design of the policy.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			n, err := db.Curate()
			if err != nil {
				return err
			}
			fmt.Printf("Expired %d dissolved records\n", n)
			return nil
		},
	}
}
