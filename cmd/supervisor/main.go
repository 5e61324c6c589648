// Package main provides the cycle supervisor entry point.
package main

import "github.com/andyyyy64/opentiger/cmd/supervisor/cmd"

func main() { cmd.Execute() }
