package main

import "github.com/marcus/greenloop/cmd/greenloop/commands"

func main() {
	commands.Execute()
}
