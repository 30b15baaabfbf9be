package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func columnsCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "columns",
		Short: "Print the aggregate CSV header, one column per line",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadApp(cmd, v)
			if err != nil {
				return err
			}
			defer rt.Close()

			for _, column := range rt.cache.Columns() {
				fmt.Fprintln(cmd.OutOrStdout(), column)
			}
			return nil
		},
	}
}
