package commands

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/auctionmesh/auctiond/config"
	"github.com/auctionmesh/auctiond/internal/store"
	"github.com/auctionmesh/auctiond/libs/log"
	amos "github.com/auctionmesh/auctiond/libs/os"
)

// MakeResetAllCommand constructs a command that removes the auction database
// of the node.
func MakeResetAllCommand(conf *config.Config, logger log.Logger) *cobra.Command {
	var resetPeerKey bool

	cmd := &cobra.Command{
		Use:     "unsafe-reset-all",
		Aliases: []string{"unsafe_reset_all"},
		Short:   "Removes all auctions stored by the node",
		Long: `Removes all auctions stored by the node, open or not.
Only use in testing. Auction IDs start again from 0.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			peerKeyFile := ""
			if resetPeerKey {
				peerKeyFile = conf.PeerKeyFile()
			}
			return ResetAll(conf, peerKeyFile, logger)
		},
	}
	addDBFlags(cmd, conf)
	cmd.Flags().BoolVar(&resetPeerKey, "peer-key", false, "also remove the peer key, giving the node a new identity")
	return cmd
}

// ResetAll removes the database directory and, if peerKeyFile is not empty,
// the peer key. The psql backend lives outside the node and is left alone.
// XXX: this is unsafe and should only suitable for testing.
func ResetAll(conf *config.Config, peerKeyFile string, logger log.Logger) error {
	if store.BackendType(conf.DBBackend) == store.PSQLBackend {
		logger.Info("Not resetting external psql database", "backend", conf.DBBackend)
	} else {
		dbDir := conf.DBDir()
		if err := os.RemoveAll(dbDir); err == nil {
			logger.Info("Removed all auctions", "dir", dbDir)
		} else {
			logger.Error("error removing all auctions", "dir", dbDir, "err", err)
		}

		if err := amos.EnsureDir(dbDir, 0700); err != nil {
			return err
		}
	}

	if peerKeyFile == "" || !amos.FileExists(peerKeyFile) {
		return nil
	}
	if err := os.Remove(peerKeyFile); err != nil {
		return err
	}
	logger.Info("Removed peer key", "path", peerKeyFile)
	return nil
}
