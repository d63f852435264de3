package main

import "leadflow/cmd/cli"

func main() {
	cli.Execute()
}
