package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"pricesync/internal/api"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
)

// newRPCCommand calls the admin service of a running syncd.
func newRPCCommand() *cobra.Command {
	var addr, key, header string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "rpc METHOD [JSON]",
		Short: "Call the gRPC admin API of a running syncd",
		Long: `Call a QueueAdmin method: Stats, ListJobs, GetJob, EnqueueEntity, EnqueueFamily, CancelJob, RetryFailed.

Example:
  syncctl rpc GetJob '{"id": 42}' --addr localhost:8081 --key $PRICESYNC_API_KEY`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := map[string]any{}
			if len(args) == 2 {
				if err := json.Unmarshal([]byte(args[1]), &in); err != nil {
					return fmt.Errorf("request must be a JSON object: %w", err)
				}
			}
			if key == "" {
				key = os.Getenv("PRICESYNC_API_KEY")
			}

			conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
			if err != nil {
				return fmt.Errorf("dial %s: %w", addr, err)
			}
			defer conn.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			if key != "" {
				ctx = metadata.AppendToOutgoingContext(ctx, header, key)
			}

			out, err := api.NewAdminClient(conn).Call(ctx, args[0], in)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "localhost:8081", "syncd gRPC address")
	cmd.Flags().StringVar(&key, "key", "", "API key (default $PRICESYNC_API_KEY)")
	cmd.Flags().StringVar(&header, "header", "x-api-key", "API key metadata name")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "call timeout")
	return cmd
}
