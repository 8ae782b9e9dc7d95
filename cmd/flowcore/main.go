package main

import "github.com/flowcore/flowcore/cmd"

func main() {
	cmd.Execute()
}
