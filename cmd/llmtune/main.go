package main

import "llmtune/internal/cli"

func main() {
	cli.Execute()
}
