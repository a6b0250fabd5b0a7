package main

import "github.com/nextlevelbuilder/agenthub/cmd"

func main() {
	cmd.Execute()
}
