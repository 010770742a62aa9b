package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mkmeral/containerized-strands-agents/internal/snapshot"
)

func newSnapshotCmd() *cobra.Command {
	var (
		dataDir string
		output  string
		force   bool
	)

	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Archive an agent data directory into a portable snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := snapshot.Snapshot(dataDir, output, force); err != nil {
				return err
			}
			fmt.Printf("Snapshot written to %s\n", output)
			return nil
		},
	}

	cmd.Flags().StringVar(&dataDir, "data-dir", "", "agent data directory to archive")
	cmd.Flags().StringVar(&output, "output", "", "snapshot file to write")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing snapshot file")
	cmd.MarkFlagRequired("data-dir")
	cmd.MarkFlagRequired("output")
	return cmd
}

func newRestoreCmd() *cobra.Command {
	var (
		archive string
		dataDir string
		force   bool
	)

	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Restore a snapshot into an agent data directory",
		Long: "Restore validates the whole archive before touching the target: a " +
			"malformed or unsafe snapshot restores nothing at all.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := snapshot.Restore(archive, dataDir, force); err != nil {
				return err
			}
			fmt.Printf("Snapshot restored into %s\n", dataDir)
			return nil
		},
	}

	cmd.Flags().StringVar(&archive, "snapshot", "", "snapshot file to restore")
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "target data directory")
	cmd.Flags().BoolVar(&force, "force", false, "restore into a non-empty target directory")
	cmd.MarkFlagRequired("snapshot")
	cmd.MarkFlagRequired("data-dir")
	return cmd
}
