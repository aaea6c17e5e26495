package cmd

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/variosync/tsconv/codec"
)

// NewFormatsCommand returns a command listing every registered format.
func NewFormatsCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "formats",
		Short: "list supported formats",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg := codec.NewRegistry()
			w := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "FORMAT\tEXTENSIONS\tMEDIA TYPE\tBINARY")
			for _, d := range reg.Formats() {
				fmt.Fprintf(w, "%s\t%s\t%s\t%v\n",
					d.Format, strings.Join(d.Extensions, ","), d.MediaType, d.Binary)
			}
			return w.Flush()
		},
	}
}

func init() {
	subcommandFns["formats"] = NewFormatsCommand
}
