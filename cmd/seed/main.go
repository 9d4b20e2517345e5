package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"

	firebase "firebase.google.com/go/v4"

	"github.com/klipach/community/contract"
	"github.com/klipach/community/rtdb"
	"github.com/klipach/community/store"
)

type SeedUser struct {
	UID      string   `json:"uid"`
	Username string   `json:"username"`
	Email    string   `json:"email"`
	Friends  []string `json:"friends"`
}

// FIREBASE_DATABASE_URL=*** go run cmd/seed/main.go -file users.json
func main() {
	filePtr := flag.String("file", "users.json", "JSON array of users to create")
	flag.Parse()
	ctx := context.Background()

	data, err := os.ReadFile(*filePtr)
	if err != nil {
		log.Fatalf("error reading file: %v", err)
	}
	var users []SeedUser
	if err := json.Unmarshal(data, &users); err != nil {
		log.Fatalf("error unmarshalling users: %v", err)
	}

	values, err := SeedUpdate(users)
	if err != nil {
		log.Fatalf("invalid seed: %v", err)
	}

	url := os.Getenv("FIREBASE_DATABASE_URL")
	app, err := firebase.NewApp(ctx, &firebase.Config{DatabaseURL: url})
	if err != nil {
		log.Fatalf("error initializing app: %v", err)
	}
	db, err := rtdb.NewDatabase(ctx, app, url)
	if err != nil {
		log.Fatalf("error getting database client: %v", err)
	}
	client := rtdb.New(ctx, db)
	defer client.Close(ctx)

	if err := values.Commit(ctx, client); err != nil {
		log.Fatalf("error writing users: %v", err)
	}
	fmt.Printf("seeded %d users\n", len(users))
}

// SeedUpdate builds one atomic update creating every user and their mutual
// friendships.
func SeedUpdate(users []SeedUser) (*store.Update, error) {
	u := store.NewUpdate()
	for _, su := range users {
		if !store.ValidKey(su.UID) {
			return nil, fmt.Errorf("uid %q: %w", su.UID, store.ErrInvalidPath)
		}
		name := contract.FallbackUsername(su.Username, su.Email)
		for k, v := range contract.NewProfileRecord(name, su.Email, contract.SeededAvatar(name)) {
			u.Set(store.Join(contract.UserPath(su.UID), k), v)
		}
		for _, f := range su.Friends {
			if !store.ValidKey(f) || f == su.UID {
				return nil, fmt.Errorf("friend %q of %q: %w", f, su.UID, store.ErrInvalidPath)
			}
			u.Set(contract.FriendPath(su.UID, f), true)
			u.Set(contract.FriendPath(f, su.UID), true)
		}
	}
	return u, nil
}
