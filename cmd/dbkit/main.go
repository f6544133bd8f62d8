package main

import "github.com/vietddude/dbkit/internal/cli"

func main() {
	cli.Execute()
}
