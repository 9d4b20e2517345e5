package main

import (
	"log"
	"os"

	"github.com/GoogleCloudPlatform/functions-framework-go/funcframework"
	_ "github.com/klipach/community"
)

const defaultPort = "8082"

func main() {
	log.Println("Started")

	port := os.Getenv("PORT")
	if port == "" {
		port = defaultPort
	}
	if err := funcframework.Start(port); err != nil {
		log.Fatalf("funcframework.Start: %v\n", err)
	}

	log.Println("Done")
}
