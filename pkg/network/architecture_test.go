package network

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/billm/tutornet/pkg/types"
)

func TestRecipients(t *testing.T) {
	arch := NewArchitecture(ArchitectureOptions{})

	tests := []struct {
		msg  types.MessageType
		want []types.ModuleType
	}{
		{types.MessageLoginRequest, []types.ModuleType{types.ModuleUMS}},
		{types.MessageDomainSelectionRequest, []types.ModuleType{types.ModuleDomain}},
		{types.MessageLearnerState, []types.ModuleType{types.ModulePedagogical, types.ModuleLMS}},
		{types.MessageDisplayFeedbackTutorRequest, []types.ModuleType{types.ModuleTutor}},
		{types.MessageAuthorizeStrategiesRequest, []types.ModuleType{types.ModuleMonitor}},
	}
	for _, tt := range tests {
		t.Run(string(tt.msg), func(t *testing.T) {
			assert.True(t, arch.Known(tt.msg))
			assert.Equal(t, tt.want, arch.Recipients(tt.msg))
		})
	}
}

func TestRecipientsReturnsCopy(t *testing.T) {
	arch := NewArchitecture(ArchitectureOptions{})

	got := arch.Recipients(types.MessageLoginRequest)
	got[0] = types.ModuleGateway

	assert.Equal(t, []types.ModuleType{types.ModuleUMS}, arch.Recipients(types.MessageLoginRequest))
}

func TestUnknownMessageType(t *testing.T) {
	arch := NewArchitecture(ArchitectureOptions{})

	assert.False(t, arch.Known(types.MessageType("NOT_A_MESSAGE")))
	assert.Empty(t, arch.Recipients(types.MessageType("NOT_A_MESSAGE")))
	assert.False(t, arch.Known(types.MessageACK))
}

func TestRedirectTutorToGateway(t *testing.T) {
	arch := NewArchitecture(ArchitectureOptions{RedirectTutorToGateway: true})
	require.True(t, arch.RedirectsTutorToGateway())

	assert.Equal(t, []types.ModuleType{types.ModuleGateway}, arch.Recipients(types.MessageDisplayFeedbackTutorRequest))
	assert.Equal(t,
		[]types.ModuleType{types.ModulePedagogical, types.ModuleLMS, types.ModuleGateway},
		arch.Recipients(types.MessageLearnerState))

	start := arch.Recipients(types.MessageStartDomainSession)
	assert.NotContains(t, start, types.ModuleTutor)
	gateways := 0
	for _, m := range start {
		if m == types.ModuleGateway {
			gateways++
		}
	}
	assert.Equal(t, 1, gateways)

	assert.Equal(t,
		[]types.ModuleType{types.ModuleUMS, types.ModuleLMS, types.ModuleDomain},
		arch.DiscoveryModules(types.ModuleGateway))

	for _, mt := range arch.MessageTypes() {
		assert.NotContains(t, arch.Recipients(mt), types.ModuleTutor, mt)
	}
}

func TestDiscoveryTopics(t *testing.T) {
	arch := NewArchitecture(ArchitectureOptions{})

	assert.Equal(t, []string{
		types.ModuleUMS.DiscoveryTopic(),
		types.ModuleLMS.DiscoveryTopic(),
		types.ModuleDomain.DiscoveryTopic(),
	}, arch.DiscoveryTopics(types.ModuleTutor))
	assert.Equal(t, "UMS_Discovery", types.ModuleUMS.DiscoveryTopic())
	assert.Empty(t, arch.DiscoveryTopics(types.ModuleLearner))
	assert.Empty(t, arch.DiscoveryModules(types.ModuleGateway))
}

func TestMessageTypesSorted(t *testing.T) {
	arch := NewArchitecture(ArchitectureOptions{})

	mts := arch.MessageTypes()
	require.NotEmpty(t, mts)
	for i := 1; i < len(mts); i++ {
		assert.Less(t, string(mts[i-1]), string(mts[i]))
	}
}

func TestTableEncoding(t *testing.T) {
	arch := NewArchitecture(ArchitectureOptions{})
	table := arch.Table()

	out, err := yaml.Marshal(table)
	require.NoError(t, err)
	assert.Contains(t, string(out), "redirect_tutor_to_gateway: false")
	assert.Contains(t, string(out), "LOGIN_REQUEST")

	var decoded Table
	data, err := json.Marshal(table)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, table.Recipients[types.MessageLoginRequest], decoded.Recipients[types.MessageLoginRequest])
	assert.Equal(t, arch.DiscoveryTopics(types.ModuleDomain), decoded.Discovery[types.ModuleDomain])
}
