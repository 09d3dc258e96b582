package main

import "github.com/nextlevelbuilder/voicebridge/cmd"

func main() {
	cmd.Execute()
}
