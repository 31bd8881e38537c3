package main

import "github.com/notargets/sfcdomain/cmd"

func main() {
	cmd.Execute()
}
