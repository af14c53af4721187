package main

import "github.com/kozaktomas/facesift/cmd"

func main() {
	cmd.Execute()
}
