package main

import "github.com/keymint/keymint/cmd/keymint/cmd"

func main() {
	cmd.Execute()
}
