package main

import (
	"testing"
)

func TestRootCmdRegistersSubcommands(t *testing.T) {
	cmd := NewRootCmd()

	want := []string{"decode", "accept", "jsgf2fsg", "lmconvert", "serve", "doctor"}
	for _, name := range want {
		found := false
		for _, sub := range cmd.Commands() {
			if sub.Name() == name {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("subcommand %q not registered", name)
		}
	}
}

func TestRootCmdKnowsDecoderFlags(t *testing.T) {
	cmd := NewRootCmd()

	for _, flag := range []string{"hmm", "lm", "dict", "beam", "lw", "fsg", "jsgf", "log-level"} {
		if cmd.PersistentFlags().Lookup(flag) == nil {
			t.Errorf("flag --%s not registered", flag)
		}
	}
}

func TestSetupLoggerFallsBackOnBadLevel(t *testing.T) {
	// Must not panic on unknown levels.
	setupLogger("extremely-verbose")
	setupLogger("debug")
}
