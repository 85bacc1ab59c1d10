package main

import (
	"github.com/ardanlabs/coin/app/wallet/cli/cmd"
)

func main() {
	cmd.Execute()
}
