// Package main выпускает bearer-токен пользователя для доступа к API сервиса розыгрышей.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/mmeshcher/lottery-pool/internal/middleware"
)

func main() {
	fs := flag.NewFlagSet("tokengen", flag.ExitOnError)
	secret := fs.String("s", os.Getenv("AUTH_SECRET"), "token signing secret")
	userID := fs.Int64("u", 0, "user id")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime, 0 for no expiry")
	_ = fs.Parse(os.Args[1:])

	if *secret == "" || *userID <= 0 {
		fmt.Fprintln(os.Stderr, "usage: tokengen -s <secret> -u <user id> [-ttl 24h]")
		os.Exit(2)
	}

	token, err := middleware.NewAuthMiddleware(*secret).IssueToken(*userID, *ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "issue token: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(token)
}
