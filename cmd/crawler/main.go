package main

import (
	cmd "github.com/rohmanhakim/crawlkit/internal/cli"
)

func main() {
	cmd.Execute()
}
