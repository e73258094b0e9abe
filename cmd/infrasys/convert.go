package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"infrasys/internal/arraystore/core"
	"infrasys/pkg/system"
)

func newConvertCmd(a *app) *cobra.Command {
	var (
		backend string
		save    system.SaveOptions
	)
	cmd := &cobra.Command{
		Use:   "convert <src> <dst>",
		Short: "Rewrite a saved system with a different time series backend",
		Long: `Copies every component record of src unchanged and moves its time series
arrays to the chosen backend before saving to dst. The source is never
modified.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := core.ParseKind(backend)
			if err != nil {
				return err
			}
			if err := system.Convert(cmd.Context(), args[0], args[1], kind, save,
				system.WithConfig(a.cfg), system.WithLogger(a.log)); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%s)\n", args[1], kind)
			return err
		},
	}
	cmd.Flags().StringVarP(&backend, "backend", "b", string(core.KindMultiFile), "target backend: memory, columnar, multifile or table")
	cmd.Flags().BoolVar(&save.Archive, "archive", false, "pack the output into a .tar.gz archive")
	cmd.Flags().BoolVar(&save.Overwrite, "overwrite", false, "replace existing output")
	return cmd
}
