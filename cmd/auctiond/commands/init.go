package commands

import (
	"github.com/spf13/cobra"

	"github.com/auctionmesh/auctiond/config"
	"github.com/auctionmesh/auctiond/libs/log"
	amos "github.com/auctionmesh/auctiond/libs/os"
	"github.com/auctionmesh/auctiond/types"
)

// MakeInitFilesCommand returns the command that writes the config file and
// the peer key of a new node. Existing files are left alone.
func MakeInitFilesCommand(conf *config.Config, logger log.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize an auctiond node",
		RunE: func(cmd *cobra.Command, args []string) error {
			return initFiles(conf, logger)
		},
	}
}

func initFiles(conf *config.Config, logger log.Logger) error {
	peerKeyFile := conf.PeerKeyFile()
	if amos.FileExists(peerKeyFile) {
		logger.Info("Found peer key", "path", peerKeyFile)
	} else {
		pk, err := types.LoadOrGenPeerKey(peerKeyFile)
		if err != nil {
			return err
		}
		logger.Info("Generated peer key", "path", peerKeyFile, "id", pk.ID())
	}

	configFile := conf.ConfigFile()
	if amos.FileExists(configFile) {
		logger.Info("Found config file", "path", configFile)
		return nil
	}
	if err := config.WriteConfigFile(conf.RootDir, conf); err != nil {
		return err
	}
	logger.Info("Generated config file", "path", configFile)
	return nil
}
