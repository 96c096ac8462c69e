package main

import (
	"context"
	"os"

	"fairplay/internal/cli"
	appLog "fairplay/internal/log"
)

func main() {
	if err := cli.NewRootCommand().ExecuteContext(context.Background()); err != nil {
		appLog.Error("fairplay failed", err)
		os.Exit(1)
	}
}
