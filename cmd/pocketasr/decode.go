package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/example/go-pocket-asr/internal/config"
	"github.com/example/go-pocket-asr/internal/decoder"
	"github.com/example/go-pocket-asr/internal/feat"
)

func newDecodeCmd() *cobra.Command {
	var (
		outHypseg  string
		outCTM     string
		outLattice string
		nbest      int
		jobs       int
		searchMode string
	)

	cmd := &cobra.Command{
		Use:   "decode [audio files...]",
		Short: "Decode audio or cepstra files to text",
		Long: "Decode one or more input files. Raw PCM (.raw), WAV (.wav), and\n" +
			"Sphinx cepstra (.mfc) inputs are accepted; the utterance id is the\n" +
			"file base name.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if jobs < 1 {
				jobs = 1
			}
			if jobs > len(args) {
				jobs = len(args)
			}

			// One decoder per worker; a decoder is single-threaded.
			var outMu sync.Mutex
			var g errgroup.Group
			g.SetLimit(jobs)
			files := make(chan string, len(args))
			for _, a := range args {
				files <- a
			}
			close(files)

			for w := 0; w < jobs; w++ {
				g.Go(func() error {
					d, err := decoder.New(activeCfg)
					if err != nil {
						return err
					}
					if searchMode != "" {
						mode, err := config.NormalizeMode(searchMode)
						if err != nil {
							return err
						}
						if err := d.SetSearch(mode); err != nil {
							return err
						}
					}
					for path := range files {
						if err := decodeFile(d, path, &outMu, outHypseg, outCTM, outLattice, nbest); err != nil {
							return err
						}
					}
					return nil
				})
			}
			return g.Wait()
		},
	}

	cmd.Flags().StringVar(&outHypseg, "hypseg", "", "Append hypseg lines to this file")
	cmd.Flags().StringVar(&outCTM, "ctm", "", "Append CTM lines to this file")
	cmd.Flags().StringVar(&outLattice, "outlatdir", "", "Write per-utterance lattices into this directory")
	cmd.Flags().IntVar(&nbest, "nbest", 0, "Also print up to N alternative hypotheses")
	cmd.Flags().IntVar(&jobs, "jobs", 1, "Decode files in parallel with this many decoders")
	cmd.Flags().StringVar(&searchMode, "search", "", "Search to decode with (lm|fsg|jsgf)")
	return cmd
}

func decodeFile(d *decoder.Decoder, path string, outMu *sync.Mutex,
	outHypseg, outCTM, outLatDir string, nbest int) error {
	uttID := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))

	if err := d.StartUtt(); err != nil {
		return err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mfc":
		frames, err := feat.ReadCepFile(path, activeCfg.Acoustic.CepLen)
		if err != nil {
			return err
		}
		for _, cep := range frames {
			if err := d.ProcessCep(cep); err != nil {
				return err
			}
		}
	case ".wav":
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		samples, err := feat.DecodeWAV(data)
		if err != nil {
			return err
		}
		if err := d.ProcessRaw(samples); err != nil {
			return err
		}
	default:
		samples, err := feat.ReadRaw(path)
		if err != nil {
			return err
		}
		if err := d.ProcessRaw(samples); err != nil {
			return err
		}
	}
	if err := d.EndUtt(); err != nil {
		return err
	}

	outMu.Lock()
	defer outMu.Unlock()

	hyp, score := d.Hyp()
	fmt.Printf("%s: %s (%d)\n", uttID, hyp, score)
	for i, alt := range d.NBest(nbest) {
		fmt.Printf("%s: [%d] %s\n", uttID, i+1, alt)
	}

	if outHypseg != "" {
		if err := appendTo(outHypseg, func(f *os.File) error {
			return d.WriteHypseg(f, uttID)
		}); err != nil {
			return err
		}
	}
	if outCTM != "" {
		if err := appendTo(outCTM, func(f *os.File) error {
			return d.WriteCTM(f, uttID)
		}); err != nil {
			return err
		}
	}
	if outLatDir != "" {
		if lat := d.Lattice(); lat != nil {
			f, err := os.Create(filepath.Join(outLatDir, uttID+".lat"))
			if err != nil {
				return err
			}
			err = lat.Write(f, uttID)
			if cerr := f.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func appendTo(path string, fn func(*os.File) error) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	if err := fn(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
