// Package main is phrctl, the client-side companion to the MedLedger API:
// it generates keys, encrypts and decrypts record envelopes, signs wallet
// challenges and seals grant wrapping keys, so plaintext never reaches the server.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
