package main

import "github.com/larchdb/larch/cmd"

func main() {
	cmd.Execute()
}
