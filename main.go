package main

import "github.com/agfin/loanproxy/cmd"

func main() {
	cmd.Execute()
}
