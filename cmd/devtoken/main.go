// Package main issues a bearer token for a local actor. Identity federation is
// handled upstream in production; during development this stands in for it.
// The token is signed with QMS_JWT_SECRET, so run it with the same secret the
// server uses.
//
//	QMS_JWT_SECRET=... devtoken -actor reviewer-1 -ttl 8h
package main

import (
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/qms-lifecycle/qms-lifecycle/internal/auth"
)

func main() {
	actor := flag.String("actor", "", "user id to place in the token subject")
	name := flag.String("name", "", "display name claim")
	ttl := flag.Duration("ttl", time.Hour, "token lifetime")
	flag.Parse()

	if *actor == "" {
		log.Fatal("-actor is required")
	}
	if err := auth.ValidateJWTSecret(""); err != nil {
		log.Fatalf("jwt secret: %v", err)
	}
	token, err := auth.GenerateJWT(*actor, *name, *ttl)
	if err != nil {
		log.Fatalf("generate token: %v", err)
	}
	fmt.Println(token)
}
