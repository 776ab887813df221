package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/example/go-pocket-asr/internal/acoustic"
	"github.com/example/go-pocket-asr/internal/feat"
	"github.com/example/go-pocket-asr/internal/lexicon"
	"github.com/example/go-pocket-asr/internal/logmath"
	"github.com/example/go-pocket-asr/internal/mdef"
	"github.com/example/go-pocket-asr/internal/ngram"
)

// doctor runs model-directory sanity checks and reports each result
// without stopping at the first failure.
func newDoctorCmd() *cobra.Command {
	var wavPath string

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check that the configured models load",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := activeCfg
			cfg.ResolvePaths()

			failed := 0
			check := func(name string, fn func() error) {
				if err := fn(); err != nil {
					failed++
					fmt.Printf("FAIL %-12s %v\n", name, err)
					return
				}
				fmt.Printf("ok   %s\n", name)
			}

			lmath, err := logmath.New(cfg.Acoustic.LogBase)
			if err != nil {
				return err
			}

			var mdl *mdef.Model
			check("mdef", func() error {
				var err error
				mdl, err = mdef.Read(cfg.Acoustic.MDef)
				return err
			})
			check("tmat", func() error {
				_, err := acoustic.ReadTMat(cfg.Acoustic.TMat, cfg.Acoustic.TMatFloor, lmath)
				return err
			})
			if mdl != nil {
				check("gaussians", func() error {
					_, err := acoustic.NewSemi(acoustic.SemiConfig{
						MeanPath:    cfg.Acoustic.Mean,
						VarPath:     cfg.Acoustic.Var,
						MixwPath:    cfg.Acoustic.Mixw,
						SendumpPath: cfg.Acoustic.Sendump,
						TopN:        cfg.Acoustic.TopN,
						MMap:        cfg.Acoustic.MMap,
					}, lmath, mdl.NSen)
					return err
				})
				if cfg.Dict.Dict != "" {
					check("dictionary", func() error {
						_, err := lexicon.Load(mdl, cfg.Dict.Dict, cfg.Dict.FDict,
							lexicon.Options{FoldCase: !cfg.Dict.DictCase})
						return err
					})
				}
			}
			if cfg.LM.Path != "" {
				check("lm", func() error {
					_, err := ngram.Read(cfg.LM.Path, lmath)
					return err
				})
			}
			if cfg.FSG.Path != "" || cfg.FSG.JSGF != "" {
				check("grammar", func() error {
					_, err := loadGrammar()
					return err
				})
			}
			if wavPath != "" {
				check("audio", func() error {
					data, err := os.ReadFile(wavPath)
					if err != nil {
						return err
					}
					_, err = feat.DecodeWAV(data)
					return err
				})
			}

			if failed > 0 {
				return fmt.Errorf("%d check(s) failed", failed)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&wavPath, "wav", "", "Also validate an input WAV file's format")
	return cmd
}
