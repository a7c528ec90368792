package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/auctionmesh/auctiond/config"
	"github.com/auctionmesh/auctiond/types"
)

// MakeShowPeerIDCommand returns the command that prints the identity peers
// know this node by.
func MakeShowPeerIDCommand(conf *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:     "show-peer-id",
		Aliases: []string{"show_peer_id"},
		Short:   "Show this node's peer ID",
		RunE: func(cmd *cobra.Command, args []string) error {
			pk, err := types.LoadPeerKey(conf.PeerKeyFile())
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), pk.ID())
			return nil
		},
	}
}
