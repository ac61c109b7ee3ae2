// Command captcha-util inspects and maintains the challenge store of a
// captchad deployment.
package main

import (
	"fmt"
	"os"

	_ "github.com/joho/godotenv/autoload"
	"github.com/keyforum/captcha/internal"
)

func main() {
	internal.InitSlog(os.Getenv("SLOG_LEVEL"))

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
