// Command coedit runs the collaborative editing server.
package main

import (
	"log/slog"
	"os"

	"coedit/cmd/internal/app"
)

func main() {
	if err := app.Run(); err != nil {
		slog.Error("coedit.exit", "err", err)
		os.Exit(1)
	}
}
