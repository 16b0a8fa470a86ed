// Command asmtpd-keygen is an offline helper around the identity
// recovery flow the broker uses at startup: generate a fresh entropy
// file, derive the signing identity an entropy file + password pair
// recovers, and optionally mint the genesis passport block that
// registers that identity as its own first master key.
package main

import (
	"crypto/rand"
	"flag"
	"fmt"
	"os"

	"github.com/primetype-labs/asmtpd/internal/identity"
	"github.com/primetype-labs/asmtpd/internal/passport"
)

var version = "dev"

func main() {
	var (
		entropyPath = flag.String("entropy", "", "path to the entropy file")
		passwordEnv = flag.String("password-env", "ASMTPD_PASSWORD", "environment variable holding the identity password")
		generate    = flag.Bool("generate", false, "write 32 fresh random bytes to -entropy instead of deriving an identity")
		genesisPath = flag.String("genesis-passport", "", "write a genesis passport block registering the derived identity as its own master key")
		showVersion = flag.Bool("version", false, "show version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("asmtpd-keygen %s\n", version)
		os.Exit(0)
	}

	if *entropyPath == "" {
		fmt.Fprintln(os.Stderr, "asmtpd-keygen: -entropy is required")
		os.Exit(1)
	}

	if *generate {
		if err := generateEntropyFile(*entropyPath); err != nil {
			fmt.Fprintln(os.Stderr, "asmtpd-keygen:", err)
			os.Exit(1)
		}
		fmt.Printf("wrote entropy file: %s\n", *entropyPath)
		return
	}

	password := os.Getenv(*passwordEnv)
	if password == "" {
		fmt.Fprintf(os.Stderr, "asmtpd-keygen: environment variable %s is not set\n", *passwordEnv)
		os.Exit(1)
	}

	entropy, err := os.ReadFile(*entropyPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "asmtpd-keygen: read entropy file:", err)
		os.Exit(1)
	}

	id, err := identity.FromEntropyAndPassword(entropy, password)
	if err != nil {
		fmt.Fprintln(os.Stderr, "asmtpd-keygen: derive identity:", err)
		os.Exit(1)
	}

	fmt.Printf("Public key: %s\n", id.Public())

	if *genesisPath != "" {
		if err := writeGenesisPassport(id, *genesisPath); err != nil {
			fmt.Fprintln(os.Stderr, "asmtpd-keygen: write genesis passport:", err)
			os.Exit(1)
		}
		fmt.Printf("wrote genesis passport: %s\n", *genesisPath)
	}
}

func generateEntropyFile(path string) error {
	entropy := make([]byte, 32)
	if _, err := rand.Read(entropy); err != nil {
		return fmt.Errorf("generate entropy: %w", err)
	}
	if err := os.WriteFile(path, entropy, 0o600); err != nil {
		return fmt.Errorf("write entropy file: %w", err)
	}
	return nil
}

func writeGenesisPassport(id *identity.Identity, path string) error {
	block := passport.Block{
		Content: []passport.ContentOp{
			{Kind: passport.OpRegisterMasterKey, Key: id.Public()},
		},
	}
	block.Sign(id)
	return passport.ExportFile([]passport.Block{block}, path)
}
