package main

import "munchkin/cmd/munchkin/command"

func main() {
	command.Execute()
}
