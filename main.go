package main

import "github.com/darmiel/cirrus/cmd"

func main() {
	cmd.Execute()
}
