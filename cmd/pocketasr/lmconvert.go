package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/example/go-pocket-asr/internal/logmath"
	"github.com/example/go-pocket-asr/internal/ngram"
)

func newLMConvertCmd() *cobra.Command {
	var outFmt string

	cmd := &cobra.Command{
		Use:   "lmconvert <input.lm> <output>",
		Short: "Convert a language model between ARPA text and trie binary",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			lmath, err := logmath.New(activeCfg.Acoustic.LogBase)
			if err != nil {
				return err
			}
			m, err := ngram.Read(args[0], lmath)
			if err != nil {
				return err
			}

			switch strings.ToLower(outFmt) {
			case "bin", "trie":
				return m.WriteBinFile(args[1])
			case "arpa":
				f, err := os.Create(args[1])
				if err != nil {
					return err
				}
				defer f.Close()
				return m.WriteARPA(f)
			default:
				return fmt.Errorf("unknown output format %q (want bin|arpa)", outFmt)
			}
		},
	}

	cmd.Flags().StringVar(&outFmt, "ofmt", "bin", "Output format (bin|arpa)")
	return cmd
}
