package main

import (
	"os"

	"github.com/soundprediction/tempora/cmd/tempora"
)

func main() {
	if err := tempora.Execute(); err != nil {
		os.Exit(1)
	}
}
