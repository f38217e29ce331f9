// Package main is the entry point for the dunamis IRC bot.
package main

import (
	"fmt"
	"os"

	"github.com/dalnet/dunamis/internal/irc"
)

// Version information - set at build time via ldflags
var (
	version   = "dev"
	buildDate = "unknown"
	gitCommit = "unknown"
)

func main() {
	irc.Version = version
	irc.BuildDate = buildDate
	irc.GitCommit = gitCommit

	cmd := NewRootCmd()
	cmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildDate)
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
