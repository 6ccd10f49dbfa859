package main

import "github.com/radman021/nbft/internal/cli"

func main() {
	cli.Execute()
}
