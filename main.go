package main

import "github.com/andresmejia3/faceshield/cmd"

func main() {
	cmd.Execute()
}
