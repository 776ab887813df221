package config

import (
	"fmt"
	"strings"
)

// Search mode names accepted on the command line.
const (
	ModeLM        = "lm"
	ModeFSG       = "fsg"
	ModeJSGF      = "jsgf"
	ModeLegacyNgr = "ngram"
)

// NormalizeMode canonicalizes a search mode string.
func NormalizeMode(raw string) (string, error) {
	mode := strings.ToLower(strings.TrimSpace(raw))
	if mode == "" {
		mode = ModeLM
	}
	switch mode {
	case ModeLM, ModeFSG, ModeJSGF:
		return mode, nil
	case ModeLegacyNgr:
		return ModeLM, nil
	default:
		return "", fmt.Errorf(
			"invalid search mode %q (expected %s|%s|%s|%s)",
			raw, ModeLM, ModeLegacyNgr, ModeFSG, ModeJSGF,
		)
	}
}
