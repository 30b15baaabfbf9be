package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/rpattn/tidyexport/internal/export"
)

func exportCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export <input.json>",
		Short: "Convert a JSON export into CSV, per-type CSV and xlsx files",
		Long: `Convert a Tidepool JSON export.

Outputs are named after a salted hash of the input file name:
  <out>/<hash>.csv      every record, one column per configured field
  <out>/<hash>/<type>.csv one file per configured type
  <out>/<hash>.xlsx     one sheet per type

Examples:
  tidyexport export data.json --format xlsx --units mg/dL
  tidyexport export data.json --out ./exports --salt s3cret`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadApp(cmd, v)
			if err != nil {
				return err
			}
			defer rt.Close()

			formats, err := export.ParseFormats(rt.cfg.Formats)
			if err != nil {
				return err
			}
			result, err := rt.service().ExportFile(cmd.Context(), args[0], export.Request{
				InputName: filepath.Base(args[0]),
				Formats:   formats,
			})
			out := cmd.OutOrStdout()
			for _, file := range result.Files {
				fmt.Fprintln(out, file)
			}
			if result.Stalled {
				fmt.Fprintln(cmd.ErrOrStderr(), "warning: the workbook may be incomplete, see its EXPORT ERROR sheet")
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Exported %d records.\n", result.Stats.RecordsRead)
			return nil
		},
	}

	cmd.Flags().StringSliceP("format", "f", nil, "output formats: csv, csvs, xlsx or all (repeatable)")
	cmd.Flags().StringP("out", "o", "", "output directory")
	cmd.Flags().String("salt", "", "salt mixed into output file names")
	cmd.Flags().Duration("timeout", 0, "workbook row commit timeout")
	cmd.Flags().Bool("pg", false, "also archive rows into PostgreSQL")
	mustBind(v, "formats", cmd.Flags().Lookup("format"))
	mustBind(v, "output.dir", cmd.Flags().Lookup("out"))
	mustBind(v, "output.salt", cmd.Flags().Lookup("salt"))
	mustBind(v, "workbook.timeout", cmd.Flags().Lookup("timeout"))
	mustBind(v, "database.archive", cmd.Flags().Lookup("pg"))

	return cmd
}
