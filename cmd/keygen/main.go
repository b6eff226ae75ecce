package main

import (
	"fmt"
	"os"

	"github.com/cartolane/cartolane/internal/crypto"
)

// Provisioning helper: prints everything needed to register a new api
// client plus a fresh master key for first-time setup. The plaintext api
// key goes to the client, only the hash goes in the database.
func main() {
	salt := os.Getenv("API_KEY_SALT")
	if salt == "" {
		fmt.Println("API_KEY_SALT is not set; the printed hash would be unusable.")
		os.Exit(1)
	}

	apiKey, err := crypto.GenerateAPIKey()
	if err != nil {
		fmt.Printf("Failed to generate api key: %v\n", err)
		os.Exit(1)
	}

	hmacSecret, err := crypto.GenerateKey()
	if err != nil {
		fmt.Printf("Failed to generate hmac secret: %v\n", err)
		os.Exit(1)
	}

	masterKey, err := crypto.GenerateKey()
	if err != nil {
		fmt.Printf("Failed to generate master key: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("--- hand to the client application ---")
	fmt.Printf("API key:       %s\n", apiKey)
	fmt.Printf("Signing secret: %s\n", hmacSecret)
	fmt.Println()
	fmt.Println("--- store in api_client ---")
	fmt.Printf("api_key_hash:  %s\n", crypto.HashAPIKey(apiKey, salt))
	fmt.Println("hmac_secret:   (encrypt the signing secret with the master key before insert)")
	fmt.Println()
	fmt.Println("--- first-time setup only ---")
	fmt.Printf("ENCRYPTION_KEY=%s\n", masterKey)
}
