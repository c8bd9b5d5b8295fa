package main

import (
	"fmt"
	"os"
	"syscall"

	"golang.org/x/term"

	"pairvibe/pkg/config"
)

const passwordEnvVar = "PAIRVIBE_PASSWORD"

// unlockSecrets loads encrypted credentials into memory when a secrets file
// is present. The password comes from PAIRVIBE_PASSWORD when set; otherwise
// the user is prompted, with retries for typos. A missing secrets file is
// not an error since credentials may live in plain environment variables.
func unlockSecrets(projectDir string) error {
	if !config.SecretsFileExists(projectDir) {
		return nil
	}

	if password := os.Getenv(passwordEnvVar); password != "" {
		secrets, err := config.DecryptSecretsFile(projectDir, password)
		if err != nil {
			return fmt.Errorf("failed to decrypt secrets with %s: %w", passwordEnvVar, err)
		}
		config.SetDecryptedSecrets(secrets)
		config.LogInfo("🔓 Secrets unlocked (%d entries)", len(secrets))
		return nil
	}

	maxAttempts := 3
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		password, err := readPassword("Enter the password for this pairvibe project: ")
		if err != nil {
			return fmt.Errorf("failed to read password: %w", err)
		}

		secrets, decryptErr := config.DecryptSecretsFile(projectDir, password)
		if decryptErr != nil {
			if attempt < maxAttempts {
				fmt.Println("❌ Incorrect password. Please try again.")
				continue
			}
			return fmt.Errorf("failed to decrypt secrets after %d attempts: %w", maxAttempts, decryptErr)
		}

		config.SetDecryptedSecrets(secrets)
		config.LogInfo("🔓 Secrets unlocked (%d entries)", len(secrets))
		return nil
	}
	return fmt.Errorf("failed to decrypt secrets after %d attempts", maxAttempts)
}

// readPassword reads a password from the terminal without echo.
func readPassword(prompt string) (string, error) {
	fmt.Print(prompt)
	raw, err := term.ReadPassword(syscall.Stdin)
	fmt.Println() // New line after password input
	if err != nil {
		return "", err
	}

	password := string(raw)

	// Clear password bytes from memory
	for i := range raw {
		raw[i] = 0
	}
	return password, nil
}
