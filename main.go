package main

import "github.com/nextlevelbuilder/qqbridge/cmd"

func main() {
	cmd.Execute()
}
