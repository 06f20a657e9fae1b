package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"payout-sheet-sync/internal/auth"
	"payout-sheet-sync/internal/config"
)

// Authorizes once and writes the token file, so the sync job can later run
// on a machine without a browser.
func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Unable to load configuration: %v", err)
	}

	ts, err := auth.NewProvider(&cfg.Auth, os.Stdout).TokenSource(context.Background(), auth.Scopes...)
	if err != nil {
		log.Fatalf("Unable to retrieve token: %v", err)
	}

	tok, err := ts.Token()
	if err != nil {
		log.Fatalf("Unable to retrieve token: %v", err)
	}

	fmt.Printf("\nToken saved to %s\n", cfg.Auth.TokenFile)
	fmt.Printf("Token Type: %s\n", tok.TokenType)
	fmt.Printf("Expiry: %v\n", tok.Expiry)

	if tok.RefreshToken != "" {
		fmt.Println("\nTo run without a token file, add the refresh token to your environment variables:")
		fmt.Printf("export GMAIL_REFRESH_TOKEN=\"%s\"\n", tok.RefreshToken)
	}
}
