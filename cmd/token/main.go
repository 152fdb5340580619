// Command token mints a development identity token for a user id.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/mahaddinnagiyev/connectify/internal/crypto"
)

func main() {
	privKeyB64 := flag.String("key", os.Getenv("IDENTITY_PRIVATE_KEY"), "Base64-encoded Ed25519 private key")
	userID := flag.String("user", "", "User UUID (random when empty)")
	ttl := flag.Duration("ttl", 24*time.Hour, "Token lifetime")
	flag.Parse()

	if *privKeyB64 == "" {
		fmt.Fprintln(os.Stderr, "Usage: token -key <private-key-base64> [-user <uuid>] [-ttl 24h]")
		fmt.Fprintln(os.Stderr, "  The key defaults to $IDENTITY_PRIVATE_KEY")
		os.Exit(1)
	}

	priv, err := crypto.ParsePrivateKey(*privKeyB64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid private key: %v\n", err)
		os.Exit(1)
	}

	if *userID == "" {
		*userID = uuid.NewString()
	} else if _, err := uuid.Parse(*userID); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid user id: %v\n", err)
		os.Exit(1)
	}

	token, err := crypto.IssueToken(priv, *userID, *ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Sign token: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("User:  %s\n", *userID)
	fmt.Printf("Token: %s\n", token)
}
