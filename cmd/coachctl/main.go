// Command coachctl replays sessions against the stuck-detection engine and
// manages its thresholds file.
package main

import (
	"fmt"
	"os"

	"github.com/ashureev/leetcoach/internal/cli"
)

func main() {
	if err := cli.Execute(os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
