package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ligun0805/strike-cluster/internal/config"
	"github.com/ligun0805/strike-cluster/internal/signer"
)

func newConfigCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration with secrets masked",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := loadSettings(cmd, root)
			if err != nil {
				return err
			}
			printConfig(cmd.OutOrStdout(), st)
			if err := st.Validate(); err != nil {
				fmt.Fprintln(cmd.OutOrStdout(), "\ninvalid configuration:")
				for _, line := range strings.Split(err.Error(), "\n") {
					fmt.Fprintln(cmd.OutOrStdout(), "  -", line)
				}
			}
			return nil
		},
	}
}

func printConfig(w io.Writer, st config.Settings) {
	fmt.Fprintln(w, "=== CONFIG ===")
	fmt.Fprintln(w, "WORKER_COUNT        :", st.WorkerCount)
	fmt.Fprintln(w, "BOOT_DELAY          :", st.BootDelayDuration())
	fmt.Fprintln(w, "RESPAWN_BACKOFF     :", st.RespawnBackoff())
	fmt.Fprintln(w, "LISTENER_EVERY      :", st.ListenerEvery)
	fmt.Fprintln(w, "EXIT_AFTER_SUCCESS  :", st.ExitAfterFirstSuccess)
	fmt.Fprintln(w, "RETRY_BUDGET        :", st.RetryBudgetPerEndpoint)
	fmt.Fprintln(w, "REQUEST_TIMEOUT     :", st.RequestTimeout())
	for _, p := range st.EndpointPools {
		fmt.Fprintf(w, "POOL %-15s: %s %s\n", p.Name, p.Policy, strings.Join(p.URLs, ","))
	}
	fmt.Fprintln(w, "CHAIN_ID            :", st.ChainID)
	fmt.Fprintln(w, "WSS_URL             :", st.WSURL)
	fmt.Fprintln(w, "EVENT_KIND          :", st.EventKind)
	fmt.Fprintln(w, "TARGET_CONTRACT     :", st.TargetContract)
	fmt.Fprintln(w, "GAS_LIMIT           :", st.GasLimit)
	fmt.Fprintln(w, "PRIORITY_FEE_GWEI   :", st.PriorityFeeGwei)
	fmt.Fprintln(w, "TIP_PERCENTILE      :", st.TipPercentile, "over", st.TipBlocks, "blocks")
	fmt.Fprintln(w, "MIN_NET_PROFIT      :", st.MinNetProfitETH, "ETH")
	fmt.Fprintln(w, "PRIVATE_KEY         :", config.MaskHex(st.PrivateKeyHex))
	if s, err := signer.FromHex(st.PrivateKeyHex); err == nil {
		fmt.Fprintln(w, "  -> identity       :", s.Address().Hex())
	}
	fmt.Fprintln(w, "AUTH_KEY            :", config.MaskHex(st.AuthKeyHex))
	fmt.Fprintln(w, "HEALTH_BASE_PORT    :", st.HealthBasePort)
	fmt.Fprintln(w, "==============")
}
