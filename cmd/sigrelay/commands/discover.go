package commands

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gtarcea/sigrelay/pkg/chat"
)

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "List relays announced on the LAN",
	RunE: func(cmd *cobra.Command, args []string) error {
		relays, err := chat.FindRelays(context.Background(), chat.DiscoverOpts{
			Timeout: viper.GetDuration("timeout"),
			UseIPV6: viper.GetBool("ipv6"),
		})
		if err != nil {
			return err
		}

		if len(relays) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "no relays found")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tURL\tQUIC\tFROM")
		for _, r := range relays {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.Name, r.URL, r.QUICURL, r.Address)
		}
		return w.Flush()
	},
}

func init() {
	discoverCmd.Flags().Duration("timeout", 3*time.Second, "how long to listen for announcements")
	discoverCmd.Flags().Bool("ipv6", false, "listen on the IPv6 multicast group")
	_ = viper.BindPFlags(discoverCmd.Flags())
}
