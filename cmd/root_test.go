package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/billm/tutornet/internal/config"
	"github.com/billm/tutornet/internal/logger"
	tgrpc "github.com/billm/tutornet/pkg/grpc"
	"github.com/billm/tutornet/pkg/network"
	"github.com/billm/tutornet/pkg/types"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "tutornet version "+Version))
}

func TestArchitectureCommand(t *testing.T) {
	out, err := execute(t, "architecture", "--format", "json", "--redirect=false")
	require.NoError(t, err)

	var table network.Table
	require.NoError(t, json.Unmarshal([]byte(out), &table))
	assert.False(t, table.RedirectTutorToGateway)
	assert.Equal(t, []types.ModuleType{types.ModuleUMS}, table.Recipients[types.MessageLoginRequest])

	out, err = execute(t, "architecture", "--format", "json", "--redirect")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &table))
	assert.True(t, table.RedirectTutorToGateway)

	_, err = execute(t, "architecture", "--format", "xml")
	assert.ErrorContains(t, err, "unsupported format")
}

func TestHealthCommand(t *testing.T) {
	log := logger.NewNop()
	hs := tgrpc.NewHealthServer(log)
	server, err := tgrpc.NewServer("127.0.0.1:0", tgrpc.ServerConfig{}, log)
	require.NoError(t, err)
	require.NoError(t, server.RegisterService(&grpc_health_v1.Health_ServiceDesc, hs))
	require.NoError(t, server.Start(context.Background()))
	t.Cleanup(func() { _ = server.Stop() })

	out, err := execute(t, "health", "--address", server.Addr(), "--service", "")
	require.NoError(t, err)
	assert.Equal(t, "SERVING\n", out)

	hs.SetNotServing("tutornet.Domain-Queue_10.0.0.1_Inbox")
	out, err = execute(t, "health", "--address", server.Addr(), "--service", "tutornet.Domain-Queue_10.0.0.1_Inbox")
	assert.Error(t, err)
	assert.Equal(t, "NOT_SERVING\n", out)
}

func TestNodeConfigs(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Nodes = []config.NodeConfig{{Module: "Domain", Name: "domain-a"}}

	specs, err := nodeConfigs(cfg, []string{"pedagogical"})
	require.NoError(t, err)
	require.Len(t, specs, 2)
	assert.Equal(t, "domain-a", specs[0].Name)
	assert.Equal(t, string(types.ModulePedagogical), specs[1].Module)

	_, err = nodeConfigs(config.DefaultConfig(), nil)
	assert.True(t, types.IsErrCode(err, types.ErrCodeInvalidArgument))

	_, err = nodeConfigs(config.DefaultConfig(), []string{"kernel"})
	assert.Error(t, err)
}
