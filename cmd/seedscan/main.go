package main

import (
	"github.com/shizukutanaka/seedscan/cmd/seedscan/commands"
)

func main() {
	commands.Execute()
}
