package main

import (
	"os"

	"github.com/phan28395/PDFTEXT-sub002/internal/cli/cmd"
	"github.com/phan28395/PDFTEXT-sub002/internal/cli/output"
)

func main() {
	if err := cmd.Execute(); err != nil {
		output.Error("%v", err)
		os.Exit(1)
	}
}
