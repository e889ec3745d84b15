package main

import "mongopg/cmd"

func main() {
	cmd.Execute()
}
