package main

import (
	"fmt"
	"os"
)

func main() {
	code, err := execute(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
	}
	os.Exit(code)
}
