// Command librarianctl inspects and administers a librarian database. It
// covers the schema, processor failures, scoring rules, resource usage,
// user API keys and the tag ontology.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"librarian/internal/config"
)

func main() {
	if err := config.LoadDotEnv(".env"); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}
