package main

import (
	"fmt"
	"os"

	"github.com/teranos/leakhunter/cmd/leakhunter/commands"
	"github.com/teranos/leakhunter/logger"
)

func main() {
	defer logger.Cleanup()
	if err := commands.RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
