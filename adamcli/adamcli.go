package main

import (
	"fmt"
	"os"

	"github.com/jessevdk/go-flags"
	"go.uber.org/zap"
)

type CLICommand struct {
	Verbose  bool             `long:"verbose" description:"Debug logging on stderr"`
	Poll     PollCommand      `command:"poll" description:"Read all enabled channels of one configured device once"`
	Discover DiscoverCommand  `command:"discover" description:"Interactive scale protocol discovery"`
	Template TemplateCommands `command:"template" alias:"templates" description:"Manage protocol templates"`
}

var clicmd = CLICommand{}

func main() {
	parser := flags.NewParser(&clicmd, flags.HelpFlag|flags.PassDoubleDash)

	_, err := parser.Parse()

	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func logger() *zap.Logger {
	if clicmd.Verbose {
		log, err := zap.NewDevelopment()
		if err == nil {
			return log
		}
	}
	return zap.NewNop()
}
