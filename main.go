package main

import "github.com/arcward/starboard/cmd"

func main() {
	cmd.Execute()
}
