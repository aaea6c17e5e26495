package cmd

import (
	"io"
	"log"
	"time"

	"github.com/jaffee/commandeer"
	"github.com/spf13/cobra"

	"github.com/variosync/tsconv/converter"
)

// ConvertMain is wrapped by NewConvertCommand and only exported for
// testing purposes.
var ConvertMain *converter.Main

// NewConvertCommand returns a new cobra command wrapping ConvertMain.
func NewConvertCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	var err error
	ConvertMain = converter.NewMain()
	convertCommand := &cobra.Command{
		Use:   "convert",
		Short: "convert a time series file to another format",
		Long: `Detect (or take) the input format, load the records, optionally run a
cleaning pipeline, and export to the target format.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			start := time.Now()
			err = ConvertMain.Run()
			if err != nil {
				return err
			}
			log.Println("Done: ", time.Since(start))
			return nil
		},
	}
	flags := convertCommand.Flags()
	err = commandeer.Flags(flags, ConvertMain)
	if err != nil {
		panic(err)
	}
	return convertCommand
}

func init() {
	subcommandFns["convert"] = NewConvertCommand
}
