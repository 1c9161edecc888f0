/*
Copyright © 2022 Nicholas McKinney
*/
package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"capextract/internal/pipeline"
)

var samplePath string

// processCmd represents the process command
var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Processes a sample and its dump directory and prints the retained records as JSON",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		processor, err := pipeline.FromConfig(cfg, logger)
		if err != nil {
			return err
		}

		task := pipeline.Task{SamplePath: samplePath}
		if samplePath != "" {
			task.Category = pipeline.CategoryFile
		}
		records, err := processor.Run(cmd.Context(), task)
		if err != nil {
			return err
		}
		logger.Info().Int("records", len(records)).Msg("run complete")

		out, err := json.MarshalIndent(records, "", "  ")
		if err != nil {
			return fmt.Errorf("unable to encode records: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
		return nil
	},
}

func init() {
	processCmd.Flags().StringVar(&samplePath, "sample", "", "Submitted sample; must exist when set")
	rootCmd.AddCommand(processCmd)
}
