package main

import (
	"github.com/sirupsen/logrus"

	"payout-sheet-sync/internal/app"
)

func main() {
	if err := app.Run(); err != nil {
		logrus.Fatalf("payout sync failed: %v", err)
	}
}
