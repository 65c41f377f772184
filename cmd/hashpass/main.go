// hashpass generates the bcrypt hash for OPERATOR_PASSWORD_HASH.
//
//	go run ./cmd/hashpass 'my operator password'
package main

import (
	"fmt"
	"os"

	"upbit-trading-bot/internal/auth"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: hashpass <password>")
		os.Exit(2)
	}

	hash, err := auth.HashPassword(os.Args[1])
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
	fmt.Println(hash)
}
