package main

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/kabili207/meshrelay/pkg/auth"
)

func main() {
	length := pflag.IntP("length", "l", 16, "Length of the password in bytes (will be hex encoded, so output is 2x this)")
	user := pflag.StringP("user", "u", "", "Gateway username to include in the config snippet")
	password := pflag.StringP("password", "p", "", "Hash this password instead of generating one")
	pflag.Parse()

	pass := *password
	if pass == "" {
		var err error
		pass, err = auth.RandomHex(*length)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error generating password: %v\n", err)
			os.Exit(1)
		}
	}

	hash, salt, err := auth.GenerateHashAndSalt(pass)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error generating salt: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Password: %s\n", pass)
	fmt.Printf("Salt:     %s\n", salt)
	fmt.Printf("Hash:     %s\n", hash)

	if *user != "" {
		fmt.Printf("\ngateway:\n  username: %s\n  password_hash: %s\n  salt: %s\n", *user, hash, salt)
	}
}
