// Command genkey generates the Ed25519 keypair used to sign identity tokens.
// The public half goes into the server's IDENTITY_PUBLIC_KEY; the private half
// stays with the token issuer.
package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"flag"
	"fmt"
	"os"
)

func main() {
	envFormat := flag.Bool("env", false, "print as KEY=value lines for a .env file")
	flag.Parse()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		fmt.Fprintf(os.Stderr, "generate key: %v\n", err)
		os.Exit(1)
	}

	pubB64 := base64.StdEncoding.EncodeToString(pub)
	privB64 := base64.StdEncoding.EncodeToString(priv)

	if *envFormat {
		fmt.Printf("IDENTITY_PUBLIC_KEY=%s\n", pubB64)
		fmt.Printf("IDENTITY_PRIVATE_KEY=%s\n", privB64)
		return
	}
	fmt.Printf("Public key (base64):  %s\n", pubB64)
	fmt.Printf("Private key (base64): %s\n", privB64)
}
