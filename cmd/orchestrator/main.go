package main

import "github.com/forgeline/forgeline/services/orchestrator/cli"

func main() {
	cli.Execute()
}
