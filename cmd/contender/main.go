package main

import (
	"github.com/contenderproject/contender/cmd/contender/cmd"
	"github.com/contenderproject/contender/internal/common"
)

func main() {
	common.ConfigureLogging()
	cmd.Execute()
}
