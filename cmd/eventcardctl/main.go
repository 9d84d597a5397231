// Package main запускает утилиту администрирования сервиса карт.
package main

import (
	"os"

	"github.com/mmeshcher/eventcard/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
