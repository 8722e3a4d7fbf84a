package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/billm/tutornet/internal/config"
	tgrpc "github.com/billm/tutornet/pkg/grpc"
)

var (
	healthAddress string
	healthService string
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Query the health endpoint of a running tutornet process",
	Long: `Health asks a running process for the status of a service. The empty service
covers the whole process; a node's service is "tutornet." followed by its
inbox address. The command fails unless the status is SERVING.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		status, err := tgrpc.Probe(cmd.Context(), healthAddress, healthService)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), status.String())
		if status != grpc_health_v1.HealthCheckResponse_SERVING {
			return fmt.Errorf("service %q is %s", healthService, status)
		}
		return nil
	},
}

func init() {
	healthCmd.Flags().StringVar(&healthAddress, "address", config.DefaultHealthAddress, "Health endpoint address")
	healthCmd.Flags().StringVar(&healthService, "service", "", "Service to check (empty for the whole process)")
}
