package main

import "github.com/nextlevelbuilder/burstgate/cmd"

func main() {
	cmd.Execute()
}
