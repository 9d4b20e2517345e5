package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"path/filepath"

	firebase "firebase.google.com/go/v4"
	"google.golang.org/api/option"

	"github.com/klipach/community/auth"
)

func main() {
	ctx := context.Background()
	uidPtr := flag.String("uid", "", "User UID for token generation")
	apiKeyPtr := flag.String("apikey", "", "Firebase API key for Identity Toolkit REST API")
	credsPtr := flag.String("creds", "./service_account_key.json", "Service account key file")
	flag.Parse()

	if *uidPtr == "" {
		log.Fatalf("Please provide a user UID using the -uid flag")
	}

	absPath, err := filepath.Abs(*credsPtr)
	if err != nil {
		log.Fatalf("failed to get absolute path: %v", err)
	}
	opt := option.WithCredentialsFile(absPath)
	app, err := firebase.NewApp(ctx, nil, opt)
	if err != nil {
		log.Fatalf("error initializing app: %v", err)
	}

	client, err := app.Auth(ctx)
	if err != nil {
		log.Fatalf("error getting Auth client: %v", err)
	}

	customToken, err := client.CustomToken(ctx, *uidPtr)
	if err != nil {
		log.Fatalf("error creating custom token: %v", err)
	}

	// exchange the custom token for an ID token
	user, err := auth.NewProvider(*apiKeyPtr).SignInWithCustomToken(ctx, customToken)
	if err != nil {
		log.Fatalf("error signing in: %v", err)
	}

	fmt.Println(user.IDToken)
}
