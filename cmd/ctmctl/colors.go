package main

import (
	"fmt"
	"os"
)

// palette holds the ANSI escape codes used for terminal output. All fields
// are empty when color is disabled, so format strings stay unconditional.
type palette struct {
	Reset  string
	Bold   string
	Dim    string
	Red    string
	Green  string
	Yellow string
	Cyan   string
	White  string
}

var c = newPalette()

func newPalette() palette {
	if os.Getenv("NO_COLOR") != "" || os.Getenv("TERM") == "dumb" {
		return palette{}
	}
	return palette{
		Reset:  "\033[0m",
		Bold:   "\033[1m",
		Dim:    "\033[2m",
		Red:    "\033[31m",
		Green:  "\033[32m",
		Yellow: "\033[33m",
		Cyan:   "\033[36m",
		White:  "\033[37m",
	}
}

func printSection(title string) {
	fmt.Printf("\n%s%s%s\n\n", c.Bold, title, c.Reset)
}

func printError(msg string) {
	fmt.Fprintf(os.Stderr, "%s%sError%s: %s\n", c.Bold, c.Red, c.Reset, msg)
}
