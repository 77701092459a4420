// Command devtoken prints a signed bearer token for local testing of the
// HTTP APIs.
//
//	devtoken -user 42 -role ADMIN -ttl 1h
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/iliyamo/cinema-seat-saga/internal/utils"
)

func main() {
	_ = godotenv.Load()
	user := flag.String("user", "", "subject (user id)")
	role := flag.String("role", "CUSTOMER", "role claim")
	ttl := flag.Duration("ttl", time.Hour, "token lifetime")
	secret := flag.String("secret", os.Getenv("JWT_SECRET"), "signing secret, defaults to $JWT_SECRET")
	flag.Parse()

	if *user == "" || *secret == "" {
		flag.Usage()
		os.Exit(2)
	}
	tok, err := utils.NewAccessToken(*secret, *user, *role, *ttl)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Println(tok)
}
