/*
Copyright © 2022 Nicholas McKinney
*/
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	inputFilePath  string
	outputFilePath string
	packerName     string
)

// extractCmd represents the extract command
var extractCmd = &cobra.Command{
	Use:   "extract",
	Short: "Strips one packer layer from a file",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "[*] Input File: %s\n", inputFilePath)
		inputBytes, err := os.ReadFile(inputFilePath)
		if err != nil {
			return fmt.Errorf("unable to read input file: %w", err)
		}
		unpacker, err := FindUnpacker(inputBytes, packerName)
		if err != nil {
			return fmt.Errorf("unable to find unpacker for file: %w", err)
		}
		fmt.Fprintf(out, "[*] Packer Identified: %s\n", unpacker.Name())
		if err := unpacker.UnpackToFile(cmd.Context(), outputFilePath); err != nil {
			return fmt.Errorf("unable to unpack payload to file: %w", err)
		}
		fmt.Fprintf(out, "[+] Extraction Successful! Output written to: %s\n", outputFilePath)
		return nil
	},
}

func init() {
	extractCmd.Flags().StringVar(&inputFilePath, "input", "", "Input File Path")
	extractCmd.Flags().StringVar(&outputFilePath, "output", "", "Output File Path")
	extractCmd.Flags().StringVar(&packerName, "packer", "", "Packer to use instead of detecting one")
	extractCmd.MarkFlagRequired("input")
	extractCmd.MarkFlagRequired("output")
	rootCmd.AddCommand(extractCmd)
}
