package main

import "github.com/DragonSecurity/burrow/cmd"

func main() {
	cmd.Execute()
}
