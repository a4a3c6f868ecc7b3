package main

import "github.com/nextlevelbuilder/agentos/cmd"

func main() {
	cmd.Execute()
}
