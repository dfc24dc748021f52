package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/smnsjas/go-jupytercore/kernelspec"
)

func newKernelsCmd(a *app) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "kernels",
		Short: "List installed kernels",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			specs, err := a.discover(cmd.Context())
			if err != nil {
				return err
			}
			return printKernels(cmd.OutOrStdout(), specs, output)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "table", "output format: table, json or yaml")
	return cmd
}

func printKernels(w io.Writer, specs []kernelspec.Spec, format string) error {
	if specs == nil {
		specs = []kernelspec.Spec{}
	}
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(specs)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(specs); err != nil {
			return err
		}
		return enc.Close()
	case "table":
		if len(specs) == 0 {
			fmt.Fprintln(w, yellow("no kernels found"))
			return nil
		}
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, bold("NAME")+"\t"+bold("LANGUAGE")+"\t"+bold("LOCATION")+"\t"+bold("COMMAND"))
		for _, s := range specs {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
				cyan(s.DisplayName), s.Language, gray(s.LocationType.String()+" "+s.Location), s.Binary)
		}
		return tw.Flush()
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}
