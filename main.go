// Package main is the entry point for the argus detection engine CLI.
package main

import "argus/cmd"

func main() {
	cmd.Execute()
}
