package main

import (
	"cidrforge/internal/app"

	"github.com/charmbracelet/log"
)

func main() {
	if err := app.Run(); err != nil {
		log.Fatal("pipeline terminated", "error", err)
	}
}
