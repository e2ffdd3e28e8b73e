package main

import (
	"os"

	"github.com/QuagHien/translator-v3/cmd/translator/app"
)

func main() {
	cmd := app.NewTranslatorCommand()
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
