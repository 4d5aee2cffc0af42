// cmd/security/key_gen.go
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"settlement-service/internal/chains/ethereum"
	"settlement-service/internal/security"
)

// Generates a master key, or with -encrypt seals a custodial signing key
// read from stdin under CRYPTO_MASTER_KEY.
func main() {
	encrypt := flag.Bool("encrypt", false, "encrypt a hex signing key read from stdin")
	flag.Parse()

	if !*encrypt {
		key, err := security.GenerateMasterKey()
		if err != nil {
			log.Fatal(err)
		}
		fmt.Println("==============================================")
		fmt.Println("Generated AES-256 Master Key:")
		fmt.Println("==============================================")
		fmt.Println(key)
		fmt.Println("==============================================")
		fmt.Println("Add this to your .env file as:")
		fmt.Println("CRYPTO_MASTER_KEY=" + key)
		fmt.Println("==============================================")
		return
	}

	masterKey := os.Getenv("CRYPTO_MASTER_KEY")
	if masterKey == "" {
		log.Fatal("CRYPTO_MASTER_KEY is not set")
	}
	enc, err := security.NewEncryption(masterKey)
	if err != nil {
		log.Fatal(err)
	}

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		log.Fatalf("failed to read signing key: %v", err)
	}
	hexKey := strings.TrimSpace(line)

	signer, err := ethereum.NewSigner(hexKey, nil)
	if err != nil {
		log.Fatalf("invalid signing key: %v", err)
	}
	sealed, err := enc.Encrypt(hexKey)
	if err != nil {
		log.Fatal(err)
	}

	fmt.Println("CUSTODIAL_ADDRESS=" + signer.Address().Hex())
	fmt.Println("SIGNER_KEY_ENCRYPTED=" + sealed)
}
