package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/auctionmesh/auctiond/types"
)

// GenPeerKeyCmd allows the generation of a peer key. It prints the key in
// JSON to the standard output without saving it.
var GenPeerKeyCmd = &cobra.Command{
	Use:     "gen-peer-key",
	Aliases: []string{"gen_peer_key"},
	Short:   "Generate a new peer key",
	RunE:    genPeerKey,
}

func genPeerKey(cmd *cobra.Command, args []string) error {
	pk := types.GenPeerKey()

	bz, err := json.MarshalIndent(pk, "", "  ")
	if err != nil {
		return fmt.Errorf("peer key JSON marshal failure: %w", err)
	}

	fmt.Fprintln(cmd.OutOrStdout(), string(bz))
	return nil
}
