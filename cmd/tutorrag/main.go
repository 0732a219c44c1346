package main

import (
	"github.com/joho/godotenv"
)

func main() {
	// Load .env file if it exists (for API keys)
	_ = godotenv.Load()
	Execute()
}
