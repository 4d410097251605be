package main

import "github.com/forgeline/forgeline/services/stagerunner/cli"

func main() {
	cli.Execute()
}
