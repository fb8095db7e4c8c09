package main

import "github.com/andresmejia3/doorsight/cmd"

func main() {
	cmd.Execute()
}
