package main

import (
	"os"

	"github.com/vitaliisemenov/zae-limiter/cmd/limiterctl/cmd"
)

var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	cmd.SetVersion(version, gitCommit, buildDate)
	err := cmd.Execute()
	os.Exit(cmd.ExitCode(err))
}
