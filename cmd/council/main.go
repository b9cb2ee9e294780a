package main

import (
	"os"

	"github.com/jwc19890114/LLMCouncil-Optimization/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
