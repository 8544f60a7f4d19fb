/*
Package main is the entry point of the geodecision assistant.

The binary wraps the streaming session engine in a handful of commands: a
local HTTP gateway (serve), an interactive terminal chat (chat), and
read-only tools that list, show, export and replay sessions.
*/
package main

import "geodecision/cmd"

func main() {
	cmd.Execute()
}
