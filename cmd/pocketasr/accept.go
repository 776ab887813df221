package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/example/go-pocket-asr/internal/fsg"
	"github.com/example/go-pocket-asr/internal/logmath"
)

func newAcceptCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accept <sentence>...",
		Short: "Check whether sentences are accepted by the configured grammar",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := loadGrammar()
			if err != nil {
				return err
			}
			exitErr := error(nil)
			for _, sentence := range args {
				ok := m.Accept(sentence)
				fmt.Printf("%v\t%s\n", ok, sentence)
				if !ok {
					exitErr = fmt.Errorf("rejected: %s", sentence)
				}
			}
			return exitErr
		},
	}
	return cmd
}

// loadGrammar builds the FSG from --fsg or --jsgf.
func loadGrammar() (*fsg.Model, error) {
	lmath, err := logmath.New(activeCfg.Acoustic.LogBase)
	if err != nil {
		return nil, err
	}
	lw := float32(activeCfg.LM.LW)

	switch {
	case activeCfg.FSG.Path != "":
		return fsg.ReadFile(activeCfg.FSG.Path, lmath, lw)
	case activeCfg.FSG.JSGF != "":
		g, err := fsg.ParseJSGFFile(activeCfg.FSG.JSGF)
		if err != nil {
			return nil, err
		}
		return g.BuildFSG(activeCfg.FSG.TopRule, lmath, lw)
	default:
		return nil, fmt.Errorf("no grammar configured (use --fsg or --jsgf)")
	}
}
