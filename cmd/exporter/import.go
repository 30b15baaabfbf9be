package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/rpattn/tidyexport/internal/ingestion"
)

func importCmd(v *viper.Viper) *cobra.Command {
	var (
		recordType string
		outPath    string
	)
	cmd := &cobra.Command{
		Use:   "import <file.xlsx|file.csv>",
		Short: "Read an exported workbook or CSV back into a JSON array",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadApp(cmd, v)
			if err != nil {
				return err
			}
			defer rt.Close()

			file, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("open import: %w", err)
			}
			defer file.Close()

			records, summary, err := ingestion.NewService(rt.cache, log.Default()).Import(cmd.Context(), ingestion.Request{
				FileName: filepath.Base(args[0]),
				Type:     recordType,
				Data:     file,
			})
			if err != nil {
				return err
			}

			var out io.Writer = cmd.OutOrStdout()
			if outPath != "" {
				target, err := os.Create(outPath)
				if err != nil {
					return fmt.Errorf("create output: %w", err)
				}
				defer target.Close()
				out = target
			}
			if err := ingestion.WriteJSON(out, records); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Imported %d records.\n", summary.Records)
			return nil
		},
	}
	cmd.Flags().StringVar(&recordType, "type", "", "record type of a per-type CSV")
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "write the JSON array to this file instead of stdout")
	return cmd
}
