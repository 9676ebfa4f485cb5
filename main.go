package main

import "github.com/kozaktomas/sightline/cmd"

func main() {
	cmd.Execute()
}
