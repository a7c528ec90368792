package main

import (
	"context"
	"os"

	"github.com/auctionmesh/auctiond/cmd/auctiond/commands"
	"github.com/auctionmesh/auctiond/config"
	"github.com/auctionmesh/auctiond/libs/cli"
	"github.com/auctionmesh/auctiond/libs/log"
)

func main() {
	conf := config.DefaultConfig()
	logger, err := log.NewDefaultLogger(conf.LogFormat, conf.LogLevel)
	if err != nil {
		panic(err)
	}

	rootCmd := commands.RootCommand(conf, logger)
	rootCmd.AddCommand(
		commands.MakeInitFilesCommand(conf, logger),
		commands.NewRunNodeCmd(commands.DefaultNodeProvider, conf, logger),
		commands.MakeClientCommand(conf, logger),
		commands.GenPeerKeyCmd,
		commands.MakeShowPeerIDCommand(conf),
		commands.MakeResetAllCommand(conf, logger),
		commands.VersionCmd,
	)

	cmd := cli.PrepareBaseCmd(rootCmd, "AUCTIOND", cli.DefaultHome(config.DefaultAuctiondDir))
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		logger.Error("command failed", "err", err)
		os.Exit(1)
	}
}
