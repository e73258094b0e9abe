package main

import (
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"infrasys/pkg/system"
)

func newInspectCmd(a *app) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "inspect <path>",
		Short: "Summarize a saved system",
		Long: `Reads a saved document or archive and prints its name, data format
version, component counts per type and time series catalog size. Component
types need not be known to this binary.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sum, err := system.Inspect(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			a.log.Debug("inspected", zap.String("path", args[0]), zap.Int("components", sum.Total()))
			switch format {
			case "text":
				return writeSummary(cmd.OutOrStdout(), sum)
			case "yaml":
				enc := yaml.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent(2)
				if err := enc.Encode(sum); err != nil {
					return err
				}
				return enc.Close()
			default:
				return fmt.Errorf("unknown format %q (want text or yaml)", format)
			}
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "text", "output format: text or yaml")
	return cmd
}

func writeSummary(w io.Writer, sum system.Summary) error {
	var b strings.Builder
	name := sum.Name
	if name == "" {
		name = "(unnamed)"
	}
	fmt.Fprintf(&b, "system:   %s\n", name)
	if sum.UUID != "" {
		fmt.Fprintf(&b, "uuid:     %s\n", sum.UUID)
	}
	fmt.Fprintf(&b, "version:  %s\n", sum.DataFormatVersion)
	fmt.Fprintf(&b, "components: %d\n", sum.Total())
	types := make([]string, 0, len(sum.Components))
	for t := range sum.Components {
		types = append(types, t)
	}
	slices.Sort(types)
	for _, t := range types {
		fmt.Fprintf(&b, "  %-24s %d\n", t, sum.Components[t])
	}
	if ts := sum.TimeSeries; ts != nil {
		fmt.Fprintf(&b, "time series: %d (%d arrays, %s", ts.Entries, ts.Arrays, ts.Backend)
		if ts.Compression != "" {
			fmt.Fprintf(&b, ", %s", ts.Compression)
		}
		b.WriteString(")\n")
	} else {
		b.WriteString("time series: none\n")
	}
	_, err := io.WriteString(w, b.String())
	return err
}
