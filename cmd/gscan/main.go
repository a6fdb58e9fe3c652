package main

import "github.com/OpenTraceLab/OpenTraceCAN/cmd/gscan/cmd"

func main() {
	cmd.Execute()
}
