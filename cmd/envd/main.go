package main

import "github.com/forgeline/forgeline/services/envd/cli"

func main() {
	cli.Execute()
}
