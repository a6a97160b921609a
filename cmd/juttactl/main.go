package main

import (
	"context"
	"fmt"
	"os"

	"github.com/wfunc/jutta-brewer/internal/cli"
	"github.com/wfunc/jutta-brewer/internal/logger"
)

func main() {
	err := cli.Execute(context.Background())
	logger.Cleanup()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
