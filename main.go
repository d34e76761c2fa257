package main

import "github.com/NanduBit/Discord-For-Bots/cmd"

func main() {
	cmd.Execute()
}
