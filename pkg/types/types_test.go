package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompositeSessionKeyEquality(t *testing.T) {
	t.Run("same identity and module", func(t *testing.T) {
		assert.Equal(t, NewUserKey(7, ModuleDomain), NewUserKey(7, ModuleDomain))
	})

	t.Run("different module", func(t *testing.T) {
		assert.NotEqual(t, NewUserKey(7, ModuleDomain), NewUserKey(7, ModuleLMS))
	})

	t.Run("absent field does not equal zero", func(t *testing.T) {
		assert.NotEqual(t, NewGlobalUserKey(0, ModuleUMS), NewUserKey(0, ModuleUMS))
	})

	t.Run("usable as map key", func(t *testing.T) {
		bindings := map[CompositeSessionKey]string{
			NewExperimentKey("exp-1", 3, ModuleLearner): "Learner-Queue_10.0.0.1_Inbox",
		}
		addr, ok := bindings[NewExperimentKey("exp-1", 3, ModuleLearner)]
		require.True(t, ok)
		assert.Equal(t, "Learner-Queue_10.0.0.1_Inbox", addr)

		_, ok = bindings[NewExperimentKey("exp-1", 4, ModuleLearner)]
		assert.False(t, ok)
	})
}

func TestUserSessionKey(t *testing.T) {
	tests := []struct {
		name    string
		session UserSession
		want    CompositeSessionKey
	}{
		{"registered user", UserSession{UserID: 5}, NewUserKey(5, ModulePedagogical)},
		{"experiment", UserSession{ExperimentID: "e", GlobalUserID: 9}, NewExperimentKey("e", 9, ModulePedagogical)},
		{"anonymous launch", UserSession{GlobalUserID: 11}, NewGlobalUserKey(11, ModulePedagogical)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.session.Key(ModulePedagogical))
		})
	}
}

func TestSessionOnly(t *testing.T) {
	a := NewUserKey(1, ModuleLMS).SessionOnly()
	b := NewUserKey(1, ModuleUMS).SessionOnly()
	assert.Equal(t, a, b)
	assert.Equal(t, ModuleType(""), a.ModuleType())
}

func TestAddressFormat(t *testing.T) {
	addr := FormatAddress(ModuleUMS, "10.1.2.3", "")
	assert.Equal(t, "UMS-Queue_10.1.2.3_Inbox", addr)
	assert.Equal(t, "10.1.2.3", AddressHost(addr))

	withInstance := FormatAddress(ModuleGateway, "127.0.0.1", "a1b2")
	assert.Equal(t, "Gateway-Queue_127.0.0.1_Inbox-a1b2", withInstance)
	assert.Equal(t, "127.0.0.1", AddressHost(withInstance))

	assert.Empty(t, AddressHost("no-delimiters"))
	assert.Empty(t, AddressHost("one_token"))

	assert.Equal(t, "Gateway_Topic_10.1.2.3", FormatTopicAddress(ModuleGateway, "10.1.2.3", ""))
	assert.Equal(t, "Gateway_Topic_10.1.2.3-a1b2", FormatTopicAddress(ModuleGateway, "10.1.2.3", "a1b2"))
}

func TestParseModuleType(t *testing.T) {
	mt, err := ParseModuleType(" Domain ")
	require.NoError(t, err)
	assert.Equal(t, ModuleDomain, mt)
	assert.Equal(t, "Domain_Discovery", mt.DiscoveryTopic())

	_, err = ParseModuleType("kernel")
	require.Error(t, err)
	assert.True(t, IsErrCode(err, ErrCodeInvalidArgument))
}

func TestErrorCodes(t *testing.T) {
	base := errors.New("socket reset")
	err := fmt.Errorf("connect: %w", WrapError(ErrCodeConnection, "failed to open session", base))

	assert.True(t, IsErrCode(err, ErrCodeConnection))
	assert.Equal(t, ErrCodeConnection, GetErrorCode(err))
	assert.ErrorIs(t, err, base)
	assert.Empty(t, GetErrorCode(base))
	assert.Equal(t, "DECODE: bad payload", NewError(ErrCodeDecode, "bad payload").Error())
}
