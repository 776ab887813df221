package config

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Acoustic AcousticConfig `mapstructure:"acoustic"`
	Beams    BeamConfig     `mapstructure:"beams"`
	Search   SearchConfig   `mapstructure:"search"`
	LM       LMConfig       `mapstructure:"lm"`
	FSG      FSGConfig      `mapstructure:"fsg"`
	Dict     DictConfig     `mapstructure:"dict"`
	Server   ServerConfig   `mapstructure:"server"`
	LogLevel string         `mapstructure:"log_level"`
}

type AcousticConfig struct {
	HMMDir    string  `mapstructure:"hmm"`
	MDef      string  `mapstructure:"mdef"`
	Mean      string  `mapstructure:"mean"`
	Var       string  `mapstructure:"var"`
	Mixw      string  `mapstructure:"mixw"`
	TMat      string  `mapstructure:"tmat"`
	Sendump   string  `mapstructure:"sendump"`
	Feat      string  `mapstructure:"feat"`
	CepLen    int     `mapstructure:"ceplen"`
	VarFloor  float64 `mapstructure:"varfloor"`
	MixwFloor float64 `mapstructure:"mixwfloor"`
	TMatFloor float64 `mapstructure:"tmatfloor"`
	MMap      bool    `mapstructure:"mmap"`
	TopN      int     `mapstructure:"topn"`
	DS        int     `mapstructure:"ds"`
	LogBase   float64 `mapstructure:"logbase"`
	CMN       string  `mapstructure:"cmn"`
	AGC       bool    `mapstructure:"agc"`
	Dither    bool    `mapstructure:"dither"`
}

type BeamConfig struct {
	Beam       float64 `mapstructure:"beam"`
	WBeam      float64 `mapstructure:"wbeam"`
	PBeam      float64 `mapstructure:"pbeam"`
	LPBeam     float64 `mapstructure:"lpbeam"`
	LPOnlyBeam float64 `mapstructure:"lponlybeam"`
	FwdFlat    float64 `mapstructure:"fwdflatbeam"`
	FwdFlatW   float64 `mapstructure:"fwdflatwbeam"`
	PL         float64 `mapstructure:"pl_beam"`
	PLP        float64 `mapstructure:"pl_pbeam"`
	PLWindow   int     `mapstructure:"pl_window"`
	PLWeight   float64 `mapstructure:"pl_weight"`
}

type SearchConfig struct {
	FwdTree      bool `mapstructure:"fwdtree"`
	FwdFlat      bool `mapstructure:"fwdflat"`
	BestPath     bool `mapstructure:"bestpath"`
	CompAllSen   bool `mapstructure:"compallsen"`
	MaxHMMPF     int  `mapstructure:"maxhmmpf"`
	MaxWPF       int  `mapstructure:"maxwpf"`
	LatSize      int  `mapstructure:"latsize"`
	MinEndFr     int  `mapstructure:"min_endfr"`
	FwdFlatSFWin int  `mapstructure:"fwdflatsfwin"`
	FwdFlatEFWid int  `mapstructure:"fwdflatefwid"`
}

type LMConfig struct {
	Path       string  `mapstructure:"lm"`
	Ctl        string  `mapstructure:"lmctl"`
	Name       string  `mapstructure:"lmname"`
	LW         float64 `mapstructure:"lw"`
	FwdFlatLW  float64 `mapstructure:"fwdflatlw"`
	BestPathLW float64 `mapstructure:"bestpathlw"`
	WIP        float64 `mapstructure:"wip"`
	SilProb    float64 `mapstructure:"silprob"`
	FillProb   float64 `mapstructure:"fillprob"`
	UW         float64 `mapstructure:"uw"`
	OutLatBeam float64 `mapstructure:"outlatbeam"`
}

type FSGConfig struct {
	Path       string `mapstructure:"fsg"`
	JSGF       string `mapstructure:"jsgf"`
	TopRule    string `mapstructure:"toprule"`
	UseAltPron bool   `mapstructure:"fsgusealtpron"`
	UseFiller  bool   `mapstructure:"fsgusefiller"`
}

type DictConfig struct {
	Dict     string `mapstructure:"dict"`
	FDict    string `mapstructure:"fdict"`
	DictCase bool   `mapstructure:"dictcase"`
}

type ServerConfig struct {
	ListenAddr      string `mapstructure:"listen_addr"`
	ShutdownTimeout int    `mapstructure:"shutdown_timeout_secs"`
	MaxBodyBytes    int    `mapstructure:"max_body_bytes"`
	RequestTimeout  int    `mapstructure:"request_timeout_secs"`
}

type LoadOptions struct {
	Cmd        flagBinder
	ConfigFile string
	Defaults   Config
}

type flagBinder interface {
	Flags() *pflag.FlagSet
}

func DefaultConfig() Config {
	return Config{
		Acoustic: AcousticConfig{
			Feat:      "1s_c_d_dd",
			CepLen:    13,
			VarFloor:  1e-4,
			MixwFloor: 1e-7,
			TMatFloor: 1e-4,
			MMap:      true,
			TopN:      4,
			DS:        1,
			LogBase:   1.0001,
			CMN:       "live",
		},
		Beams: BeamConfig{
			Beam:       1e-48,
			WBeam:      7e-29,
			PBeam:      1e-48,
			LPBeam:     1e-40,
			LPOnlyBeam: 7e-29,
			FwdFlat:    1e-64,
			FwdFlatW:   7e-29,
			PL:         1e-10,
			PLP:        1e-10,
			PLWindow:   5,
			PLWeight:   3.0,
		},
		Search: SearchConfig{
			FwdTree:      true,
			FwdFlat:      true,
			BestPath:     true,
			MaxHMMPF:     30000,
			MaxWPF:       -1,
			LatSize:      5000,
			MinEndFr:     0,
			FwdFlatSFWin: 25,
			FwdFlatEFWid: 4,
		},
		LM: LMConfig{
			LW:         6.5,
			FwdFlatLW:  8.5,
			BestPathLW: 9.5,
			WIP:        0.65,
			SilProb:    0.005,
			FillProb:   1e-8,
			UW:         1.0,
			OutLatBeam: 1e-5,
		},
		FSG: FSGConfig{
			UseAltPron: true,
			UseFiller:  true,
		},
		Server: ServerConfig{
			ListenAddr:      ":8073",
			ShutdownTimeout: 30,
			MaxBodyBytes:    16 << 20,
			RequestTimeout:  60,
		},
		LogLevel: "info",
	}
}

func RegisterFlags(fs *pflag.FlagSet, d Config) {
	fs.String("hmm", d.Acoustic.HMMDir, "Acoustic model directory (required)")
	fs.String("mdef", d.Acoustic.MDef, "Model definition file (default <hmm>/mdef)")
	fs.String("mean", d.Acoustic.Mean, "Gaussian means file (default <hmm>/means)")
	fs.String("var", d.Acoustic.Var, "Gaussian variances file (default <hmm>/variances)")
	fs.String("mixw", d.Acoustic.Mixw, "Mixture weights file (default <hmm>/mixture_weights)")
	fs.String("tmat", d.Acoustic.TMat, "Transition matrices file (default <hmm>/transition_matrices)")
	fs.String("sendump", d.Acoustic.Sendump, "Pre-quantized senone dump (default <hmm>/sendump)")
	fs.String("feat", d.Acoustic.Feat, "Feature stream specification")
	fs.Int("ceplen", d.Acoustic.CepLen, "Cepstral vector length")
	fs.Float64("varfloor", d.Acoustic.VarFloor, "Gaussian variance floor")
	fs.Float64("mixwfloor", d.Acoustic.MixwFloor, "Mixture weight floor")
	fs.Float64("tmatfloor", d.Acoustic.TMatFloor, "Transition probability floor")
	fs.Bool("mmap", d.Acoustic.MMap, "Memory-map the senone dump when possible")
	fs.Int("topn", d.Acoustic.TopN, "Gaussians kept per feature stream per frame")
	fs.Int("ds", d.Acoustic.DS, "Frame downsampling ratio")
	fs.Float64("logbase", d.Acoustic.LogBase, "Log domain base")
	fs.String("cmn", d.Acoustic.CMN, "Cepstral mean normalization (none|batch|live)")
	fs.Bool("agc", d.Acoustic.AGC, "Automatic gain control")
	fs.Bool("dither", d.Acoustic.Dither, "Add 1-bit dither to input audio")

	fs.Float64("beam", d.Beams.Beam, "Main HMM pruning beam")
	fs.Float64("wbeam", d.Beams.WBeam, "Word exit beam")
	fs.Float64("pbeam", d.Beams.PBeam, "Phone transition beam")
	fs.Float64("lpbeam", d.Beams.LPBeam, "Last phone transition beam")
	fs.Float64("lponlybeam", d.Beams.LPOnlyBeam, "Single-phone word beam")
	fs.Float64("fwdflatbeam", d.Beams.FwdFlat, "Flat-lexicon pass beam")
	fs.Float64("fwdflatwbeam", d.Beams.FwdFlatW, "Flat-lexicon word exit beam")
	fs.Float64("pl_beam", d.Beams.PL, "Phone-loop lookahead beam")
	fs.Float64("pl_pbeam", d.Beams.PLP, "Phone-loop phone transition beam")
	fs.Int("pl_window", d.Beams.PLWindow, "Phone-loop lookahead window frames")
	fs.Float64("pl_weight", d.Beams.PLWeight, "Phone-loop lookahead weight")

	fs.Bool("fwdtree", d.Search.FwdTree, "Run the lexicon-tree first pass")
	fs.Bool("fwdflat", d.Search.FwdFlat, "Run the flat-lexicon second pass")
	fs.Bool("bestpath", d.Search.BestPath, "Run the lattice best-path third pass")
	fs.Bool("compallsen", d.Search.CompAllSen, "Score all senones every frame")
	fs.Int("maxhmmpf", d.Search.MaxHMMPF, "Max active HMMs per frame")
	fs.Int("maxwpf", d.Search.MaxWPF, "Max word exits per frame (-1 unlimited)")
	fs.Int("latsize", d.Search.LatSize, "Initial lattice capacity")
	fs.Int("min_endfr", d.Search.MinEndFr, "Min persistence frames for lattice nodes")
	fs.Int("fwdflatsfwin", d.Search.FwdFlatSFWin, "Flat pass word start window")
	fs.Int("fwdflatefwid", d.Search.FwdFlatEFWid, "Flat pass min word end frames")

	fs.String("lm", d.LM.Path, "N-gram language model file")
	fs.String("lmctl", d.LM.Ctl, "Multi-LM control descriptor")
	fs.String("lmname", d.LM.Name, "LM to select from the control set")
	fs.Float64("lw", d.LM.LW, "Language weight")
	fs.Float64("fwdflatlw", d.LM.FwdFlatLW, "Flat pass language weight")
	fs.Float64("bestpathlw", d.LM.BestPathLW, "Best-path pass language weight")
	fs.Float64("wip", d.LM.WIP, "Word insertion penalty")
	fs.Float64("silprob", d.LM.SilProb, "Silence word probability")
	fs.Float64("fillprob", d.LM.FillProb, "Filler word probability")
	fs.Float64("uw", d.LM.UW, "Unigram interpolation weight")
	fs.Float64("outlatbeam", d.LM.OutLatBeam, "Posterior beam for output lattices")

	fs.String("fsg", d.FSG.Path, "Finite-state grammar file")
	fs.String("jsgf", d.FSG.JSGF, "JSGF grammar file")
	fs.String("toprule", d.FSG.TopRule, "JSGF rule to compile (default first public)")
	fs.Bool("fsgusealtpron", d.FSG.UseAltPron, "Add alternate pronunciations to FSG")
	fs.Bool("fsgusefiller", d.FSG.UseFiller, "Add filler self-loops to FSG states")

	fs.String("dict", d.Dict.Dict, "Pronunciation dictionary")
	fs.String("fdict", d.Dict.FDict, "Filler dictionary")
	fs.Bool("dictcase", d.Dict.DictCase, "Dictionary is case sensitive")

	fs.String("server-listen-addr", d.Server.ListenAddr, "HTTP listen address")
	fs.Int("shutdown-timeout", d.Server.ShutdownTimeout, "Graceful shutdown drain timeout in seconds")
	fs.Int("max-body-bytes", d.Server.MaxBodyBytes, "Maximum POST /decode body size in bytes")
	fs.Int("request-timeout", d.Server.RequestTimeout, "Per-request decode timeout in seconds")

	fs.String("log-level", d.LogLevel, "Log level (debug|info|warn|error)")
}

func Load(opts LoadOptions) (Config, error) {
	v := viper.New()

	setDefaults(v, opts.Defaults)
	if opts.Cmd != nil {
		if err := v.BindPFlags(opts.Cmd.Flags()); err != nil {
			return Config{}, fmt.Errorf("bind flags: %w", err)
		}
	}
	registerAliases(v)

	v.SetEnvPrefix("POCKETASR")
	replacer := strings.NewReplacer("-", "_", ".", "_", "__", "_")
	v.SetEnvKeyReplacer(replacer)
	v.AutomaticEnv()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	} else {
		v.SetConfigName("pocketasr")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, c Config) {
	v.SetDefault("acoustic.hmm", c.Acoustic.HMMDir)
	v.SetDefault("acoustic.mdef", c.Acoustic.MDef)
	v.SetDefault("acoustic.mean", c.Acoustic.Mean)
	v.SetDefault("acoustic.var", c.Acoustic.Var)
	v.SetDefault("acoustic.mixw", c.Acoustic.Mixw)
	v.SetDefault("acoustic.tmat", c.Acoustic.TMat)
	v.SetDefault("acoustic.sendump", c.Acoustic.Sendump)
	v.SetDefault("acoustic.feat", c.Acoustic.Feat)
	v.SetDefault("acoustic.ceplen", c.Acoustic.CepLen)
	v.SetDefault("acoustic.varfloor", c.Acoustic.VarFloor)
	v.SetDefault("acoustic.mixwfloor", c.Acoustic.MixwFloor)
	v.SetDefault("acoustic.tmatfloor", c.Acoustic.TMatFloor)
	v.SetDefault("acoustic.mmap", c.Acoustic.MMap)
	v.SetDefault("acoustic.topn", c.Acoustic.TopN)
	v.SetDefault("acoustic.ds", c.Acoustic.DS)
	v.SetDefault("acoustic.logbase", c.Acoustic.LogBase)
	v.SetDefault("acoustic.cmn", c.Acoustic.CMN)
	v.SetDefault("acoustic.agc", c.Acoustic.AGC)
	v.SetDefault("acoustic.dither", c.Acoustic.Dither)
	v.SetDefault("beams.beam", c.Beams.Beam)
	v.SetDefault("beams.wbeam", c.Beams.WBeam)
	v.SetDefault("beams.pbeam", c.Beams.PBeam)
	v.SetDefault("beams.lpbeam", c.Beams.LPBeam)
	v.SetDefault("beams.lponlybeam", c.Beams.LPOnlyBeam)
	v.SetDefault("beams.fwdflatbeam", c.Beams.FwdFlat)
	v.SetDefault("beams.fwdflatwbeam", c.Beams.FwdFlatW)
	v.SetDefault("beams.pl_beam", c.Beams.PL)
	v.SetDefault("beams.pl_pbeam", c.Beams.PLP)
	v.SetDefault("beams.pl_window", c.Beams.PLWindow)
	v.SetDefault("beams.pl_weight", c.Beams.PLWeight)
	v.SetDefault("search.fwdtree", c.Search.FwdTree)
	v.SetDefault("search.fwdflat", c.Search.FwdFlat)
	v.SetDefault("search.bestpath", c.Search.BestPath)
	v.SetDefault("search.compallsen", c.Search.CompAllSen)
	v.SetDefault("search.maxhmmpf", c.Search.MaxHMMPF)
	v.SetDefault("search.maxwpf", c.Search.MaxWPF)
	v.SetDefault("search.latsize", c.Search.LatSize)
	v.SetDefault("search.min_endfr", c.Search.MinEndFr)
	v.SetDefault("search.fwdflatsfwin", c.Search.FwdFlatSFWin)
	v.SetDefault("search.fwdflatefwid", c.Search.FwdFlatEFWid)
	v.SetDefault("lm.lm", c.LM.Path)
	v.SetDefault("lm.lmctl", c.LM.Ctl)
	v.SetDefault("lm.lmname", c.LM.Name)
	v.SetDefault("lm.lw", c.LM.LW)
	v.SetDefault("lm.fwdflatlw", c.LM.FwdFlatLW)
	v.SetDefault("lm.bestpathlw", c.LM.BestPathLW)
	v.SetDefault("lm.wip", c.LM.WIP)
	v.SetDefault("lm.silprob", c.LM.SilProb)
	v.SetDefault("lm.fillprob", c.LM.FillProb)
	v.SetDefault("lm.uw", c.LM.UW)
	v.SetDefault("lm.outlatbeam", c.LM.OutLatBeam)
	v.SetDefault("fsg.fsg", c.FSG.Path)
	v.SetDefault("fsg.jsgf", c.FSG.JSGF)
	v.SetDefault("fsg.toprule", c.FSG.TopRule)
	v.SetDefault("fsg.fsgusealtpron", c.FSG.UseAltPron)
	v.SetDefault("fsg.fsgusefiller", c.FSG.UseFiller)
	v.SetDefault("dict.dict", c.Dict.Dict)
	v.SetDefault("dict.fdict", c.Dict.FDict)
	v.SetDefault("dict.dictcase", c.Dict.DictCase)
	v.SetDefault("server.listen_addr", c.Server.ListenAddr)
	v.SetDefault("server.shutdown_timeout_secs", c.Server.ShutdownTimeout)
	v.SetDefault("server.max_body_bytes", c.Server.MaxBodyBytes)
	v.SetDefault("server.request_timeout_secs", c.Server.RequestTimeout)
	v.SetDefault("log_level", c.LogLevel)
}

func registerAliases(v *viper.Viper) {
	for key, flag := range map[string]string{
		"acoustic.hmm":                 "hmm",
		"acoustic.mdef":                "mdef",
		"acoustic.mean":                "mean",
		"acoustic.var":                 "var",
		"acoustic.mixw":                "mixw",
		"acoustic.tmat":                "tmat",
		"acoustic.sendump":             "sendump",
		"acoustic.feat":                "feat",
		"acoustic.ceplen":              "ceplen",
		"acoustic.varfloor":            "varfloor",
		"acoustic.mixwfloor":           "mixwfloor",
		"acoustic.tmatfloor":           "tmatfloor",
		"acoustic.mmap":                "mmap",
		"acoustic.topn":                "topn",
		"acoustic.ds":                  "ds",
		"acoustic.logbase":             "logbase",
		"acoustic.cmn":                 "cmn",
		"acoustic.agc":                 "agc",
		"acoustic.dither":              "dither",
		"beams.beam":                   "beam",
		"beams.wbeam":                  "wbeam",
		"beams.pbeam":                  "pbeam",
		"beams.lpbeam":                 "lpbeam",
		"beams.lponlybeam":             "lponlybeam",
		"beams.fwdflatbeam":            "fwdflatbeam",
		"beams.fwdflatwbeam":           "fwdflatwbeam",
		"beams.pl_beam":                "pl_beam",
		"beams.pl_pbeam":               "pl_pbeam",
		"beams.pl_window":              "pl_window",
		"beams.pl_weight":              "pl_weight",
		"search.fwdtree":               "fwdtree",
		"search.fwdflat":               "fwdflat",
		"search.bestpath":              "bestpath",
		"search.compallsen":            "compallsen",
		"search.maxhmmpf":              "maxhmmpf",
		"search.maxwpf":                "maxwpf",
		"search.latsize":               "latsize",
		"search.min_endfr":             "min_endfr",
		"search.fwdflatsfwin":          "fwdflatsfwin",
		"search.fwdflatefwid":          "fwdflatefwid",
		"lm.lm":                        "lm",
		"lm.lmctl":                     "lmctl",
		"lm.lmname":                    "lmname",
		"lm.lw":                        "lw",
		"lm.fwdflatlw":                 "fwdflatlw",
		"lm.bestpathlw":                "bestpathlw",
		"lm.wip":                       "wip",
		"lm.silprob":                   "silprob",
		"lm.fillprob":                  "fillprob",
		"lm.uw":                        "uw",
		"lm.outlatbeam":                "outlatbeam",
		"fsg.fsg":                      "fsg",
		"fsg.jsgf":                     "jsgf",
		"fsg.toprule":                  "toprule",
		"fsg.fsgusealtpron":            "fsgusealtpron",
		"fsg.fsgusefiller":             "fsgusefiller",
		"dict.dict":                    "dict",
		"dict.fdict":                   "fdict",
		"dict.dictcase":                "dictcase",
		"server.listen_addr":           "server-listen-addr",
		"server.shutdown_timeout_secs": "shutdown-timeout",
		"server.max_body_bytes":        "max-body-bytes",
		"server.request_timeout_secs":  "request-timeout",
		"log_level":                    "log-level",
	} {
		v.RegisterAlias(key, flag)
	}
}

// ResolvePaths fills in the conventional acoustic-model file names
// under the hmm directory for any path left empty.
func (c *Config) ResolvePaths() {
	join := func(name string) string {
		if c.Acoustic.HMMDir == "" {
			return ""
		}
		return c.Acoustic.HMMDir + "/" + name
	}
	if c.Acoustic.MDef == "" {
		c.Acoustic.MDef = join("mdef")
	}
	if c.Acoustic.Mean == "" {
		c.Acoustic.Mean = join("means")
	}
	if c.Acoustic.Var == "" {
		c.Acoustic.Var = join("variances")
	}
	if c.Acoustic.Mixw == "" {
		c.Acoustic.Mixw = join("mixture_weights")
	}
	if c.Acoustic.TMat == "" {
		c.Acoustic.TMat = join("transition_matrices")
	}
}
