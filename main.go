package main

import "github.com/tenex-chat/tenexd/cmd"

func main() {
	cmd.Execute()
}
