// Secret generator for Agentry deployments.
//
// Prints a fresh SECRETS_KEY (AES-256, base64) and JWT_SECRET suitable
// for pasting into a .env file or a deployment secret store.
package main

import (
	"fmt"
	"log"

	"agentry/internal/config"
	"agentry/internal/secrets"
)

func main() {
	masterKey, err := secrets.GenerateMasterKey()
	if err != nil {
		log.Fatalf("Failed to generate secrets key: %v", err)
	}

	jwtSecret, err := config.GenerateSecureSecret(48)
	if err != nil {
		log.Fatalf("Failed to generate JWT secret: %v", err)
	}

	fmt.Println("# Add these to your environment. Keep them out of version control.")
	fmt.Println("# Losing SECRETS_KEY makes every stored credential unreadable.")
	fmt.Printf("SECRETS_KEY=%s\n", masterKey)
	fmt.Printf("JWT_SECRET=%s\n", jwtSecret)
}
