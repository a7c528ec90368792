package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/auctionmesh/auctiond/client"
	"github.com/auctionmesh/auctiond/config"
	"github.com/auctionmesh/auctiond/libs/log"
	"github.com/auctionmesh/auctiond/types"
)

const defaultClientKeyPath = "config/client_key.json"

const clientUsage = `commands:
  create <starting-price> <item>   list an item
  bid <auction-id> <price>         bid on an auction
  close                            close every auction you own
  table                            show the open auctions
  help                             show this message
  quit                             leave the topic`

// MakeClientCommand returns the command that joins a topic as an interactive
// peer. Requests are read line by line from stdin and everything the node
// sends is printed as it arrives.
func MakeClientCommand(conf *config.Config, logger log.Logger) *cobra.Command {
	var (
		remote   string
		nickname string
		keyFile  string
	)

	cmd := &cobra.Command{
		Use:   "client",
		Short: "Join the topic as an interactive peer",
		Long:  "Join the topic as an interactive peer.\n\n" + clientUsage,
		RunE: func(cmd *cobra.Command, args []string) error {
			if remote == "" {
				remote = dialAddress(conf.P2P.ListenAddress)
			}
			if keyFile == "" {
				keyFile = filepath.Join(conf.RootDir, defaultClientKeyPath)
			}
			key, err := types.LoadOrGenPeerKey(keyFile)
			if err != nil {
				return fmt.Errorf("failed to load or gen client key %s: %w", keyFile, err)
			}

			ctx := cmd.Context()
			c, err := client.Dial(ctx, remote, types.NewTopicKey(conf.P2P.Topic), key, logger)
			if err != nil {
				return fmt.Errorf("failed to join topic %q at %s: %w", conf.P2P.Topic, remote, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "joined topic %q as %s\n", conf.P2P.Topic, c.Identity())

			return runClient(ctx, c, nickname, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&remote, "remote", "", "address of the node (defaults to p2p.listen-address)")
	cmd.Flags().StringVar(&nickname, "nickname", "", "name shown to other peers")
	cmd.Flags().StringVar(&keyFile, "key-file", "", "peer key of the client (defaults to "+defaultClientKeyPath+")")
	cmd.Flags().String("p2p.topic", conf.P2P.Topic, "name of the topic to join")
	return cmd
}

// dialAddress turns a listen address into one a client can connect to.
func dialAddress(listenAddr string) string {
	addr := strings.TrimPrefix(listenAddr, "tcp://")
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}

func runClient(ctx context.Context, c *client.Client, nickname string, in io.Reader, out io.Writer) error {
	g, ctx := errgroup.WithContext(ctx)
	leaving := make(chan struct{})
	lines := make(chan string)

	// The scanner can not be interrupted, so it is left out of the group and
	// exits once stdin is closed.
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	g.Go(func() error {
		for {
			msg, err := c.Next(ctx)
			if err != nil {
				select {
				case <-leaving:
					return nil
				default:
				}
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return fmt.Errorf("connection to node lost: %w", err)
			}
			printMessage(out, msg)
		}
	})

	g.Go(func() error {
		defer c.Close()
		defer close(leaving)

		for {
			select {
			case <-ctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				quit, err := execLine(c, nickname, line, out)
				if err != nil {
					return err
				}
				if quit {
					return nil
				}
			}
		}
	})

	return g.Wait()
}

// execLine runs a single command. Mistakes in the command are reported to out;
// only a failure to reach the node is returned.
func execLine(c *client.Client, nickname, line string, out io.Writer) (quit bool, err error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false, nil
	}

	switch cmd, args := strings.ToLower(fields[0]), fields[1:]; cmd {
	case "create":
		if len(args) < 2 {
			fmt.Fprintln(out, "usage: create <starting-price> <item>")
			return false, nil
		}
		price, err := parsePrice(args[0])
		if err != nil {
			fmt.Fprintf(out, "invalid starting price %q\n", args[0])
			return false, nil
		}
		return false, c.CreateAuction(strings.Join(args[1:], " "), price, nickname)

	case "bid":
		if len(args) != 2 {
			fmt.Fprintln(out, "usage: bid <auction-id> <price>")
			return false, nil
		}
		id, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			fmt.Fprintf(out, "invalid auction id %q\n", args[0])
			return false, nil
		}
		price, err := parsePrice(args[1])
		if err != nil {
			fmt.Fprintf(out, "invalid price %q\n", args[1])
			return false, nil
		}
		return false, c.PlaceBid(id, price, nickname)

	case "close":
		return false, c.CloseAuctions(nickname)

	case "table":
		return false, c.RequestTable()

	case "help":
		fmt.Fprintln(out, clientUsage)
		return false, nil

	case "quit", "exit":
		return true, nil

	default:
		fmt.Fprintf(out, "unknown command %q\n%s\n", cmd, clientUsage)
		return false, nil
	}
}

// parsePrice rejects what the wire can not carry.
func parsePrice(s string) (float64, error) {
	price, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(price) || math.IsInf(price, 0) {
		return 0, fmt.Errorf("price %q is not finite", s)
	}
	return price, nil
}

func printMessage(out io.Writer, msg types.Message) {
	switch msg.Type {
	case types.MsgAuctionUpdate:
		var ev types.Event
		if err := msg.DecodePayload(&ev); err != nil {
			fmt.Fprintf(out, "undecodable update: %v\n", err)
			return
		}
		fmt.Fprintln(out, ev.Message)

	case types.MsgAuctionTable:
		var table types.AuctionTablePayload
		if err := msg.DecodePayload(&table); err != nil {
			fmt.Fprintf(out, "undecodable auction table: %v\n", err)
			return
		}
		printTable(out, table.Auctions)

	case types.MsgInputValidationError:
		var verr types.InputValidationErrorPayload
		if err := msg.DecodePayload(&verr); err != nil {
			fmt.Fprintf(out, "undecodable error: %v\n", err)
			return
		}
		fmt.Fprintf(out, "rejected: %s\n", verr.Message)

	default:
		fmt.Fprintf(out, "ignoring %s message\n", msg.Type)
	}
}

func printTable(out io.Writer, auctions []types.Auction) {
	if len(auctions) == 0 {
		fmt.Fprintln(out, "no open auctions")
		return
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tITEM\tSTARTING PRICE\tHIGHEST BID\tBIDS\tOWNER")
	for _, a := range auctions {
		highest := "-"
		if bid, ok := a.HighestBid(); ok {
			highest = types.FormatPrice(bid.Price)
		}
		owner := a.OwnerName
		if owner == "" {
			owner = a.OwnerID
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%s\n",
			a.ID, a.Item, types.FormatPrice(a.StartingPrice), highest, len(a.Bids), owner)
	}
	_ = w.Flush()
}
