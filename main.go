// Package main is the entry point for the deckpredict CLI tool, which learns
// Hearthstone decks from game records and predicts the full deck behind a
// partially revealed one.
package main

import "github.com/pable/hs-deck-predict/cmd"

func main() {
	cmd.Execute()
}
