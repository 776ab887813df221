package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/example/go-pocket-asr/internal/fsg"
	"github.com/example/go-pocket-asr/internal/logmath"
)

func newJSGF2FSGCmd() *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "jsgf2fsg <grammar.gram>",
		Short: "Compile a JSGF grammar to the FSG text format",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := fsg.ParseJSGFFile(args[0])
			if err != nil {
				return err
			}
			lmath, err := logmath.New(activeCfg.Acoustic.LogBase)
			if err != nil {
				return err
			}
			m, err := g.BuildFSG(activeCfg.FSG.TopRule, lmath, 1.0)
			if err != nil {
				return err
			}

			w := os.Stdout
			if out != "" {
				f, err := os.Create(out)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			if err := m.Write(w); err != nil {
				return fmt.Errorf("write fsg: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&out, "output", "o", "", "Output file (default stdout)")
	return cmd
}
