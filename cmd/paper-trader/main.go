// Command paper-trader runs the simulated trading service.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/shopspring/decimal"

	"paper-trader/internal/cli"
	"paper-trader/internal/logging"
)

func main() {
	// Money crosses the wire as JSON numbers.
	decimal.MarshalJSONWithoutQuotes = true

	logger := logging.NewLoggerWithConfig(logging.LogConfig{Level: "info", Console: true})
	root := cli.NewRootCmd(logger)
	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
