package main

import (
	"github.com/cardeahq/cardea/internal/cli"
)

func main() {
	cli.Execute()
}
