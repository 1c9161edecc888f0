/*
Copyright © 2022 Nicholas McKinney
*/
package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"capextract/internal/classify"
	"capextract/internal/decoder"
	"capextract/internal/filetype"
	"capextract/internal/metadata"
	"capextract/internal/pipeline"
	"capextract/internal/record"
)

// tastetestCmd represents the tastetest command
var tastetestCmd = &cobra.Command{
	Use:   "tastetest",
	Short: "Identify, classify and decode a single file",
	Long: `Identify a single file the way a run would: file type, sidecar
classification, signature matches, the packer wrapping it and any config
a decoder can pull out of it. Nothing is unpacked.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		inputFilePath := args[0]
		fmt.Fprintf(out, "[*] Input file: %s\n", inputFilePath)
		content, err := os.ReadFile(inputFilePath)
		if err != nil {
			return err
		}
		if len(content) > cfg.BufferSize {
			content = content[:cfg.BufferSize]
		}

		a := record.Artifact{Path: inputFilePath, RawType: filetype.New().Identify(content)}
		fmt.Fprintf(out, "[*] Type: %s\n", a.RawType)

		sc, err := metadata.Read(inputFilePath, cfg.SidecarSuffix)
		if err != nil {
			return err
		}
		result := classify.Apply(&a, sc)
		if a.Category != "" {
			fmt.Fprintf(out, "[*] Category: %s (%#x)\n", a.Category, a.TypeCode)
		}

		matcher, err := pipeline.Matcher(cfg)
		if err != nil {
			return err
		}
		if a.Matches, err = matcher.Scan(content); err != nil {
			return err
		}
		for _, m := range a.Matches {
			fmt.Fprintf(out, "[*] Signature: %s\n", m.Name)
		}

		if unpacker, err := FindUnpacker(content, ""); err == nil {
			fmt.Fprintf(out, "[*] Packer Identified: %s\n", unpacker.Name())
			information, err := unpacker.Identified()
			if err != nil {
				fmt.Fprintf(out, "[!] %v\n", err)
			} else {
				fmt.Fprintf(out, "%s", information)
			}
		}

		dispatcher := decoder.NewDispatcher(decoder.Default(), logger)
		if result.Decoder != "" {
			dispatcher.Dispatch(&a, result.Decoder, content)
		}
		for _, m := range a.Matches {
			if m.Name != result.Decoder {
				dispatcher.Dispatch(&a, m.Name, content)
			}
		}
		if a.Config != nil {
			config, err := json.MarshalIndent(a.Config, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "[+] %s config:\n%s\n", a.DecoderName, config)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tastetestCmd)
}
