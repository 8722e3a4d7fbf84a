package types

import (
	"fmt"
	"strconv"
	"time"
)

// PreUserUnknownID is the user id of a session opened before a user has logged in.
// Modules selected for such a session are never bound to it.
const PreUserUnknownID = -1

// UserSession identifies the learner (or experiment participant) a request belongs to.
type UserSession struct {
	UserID       int    `json:"user_id" cbor:"1,keyasint"`
	Username     string `json:"username,omitempty" cbor:"2,keyasint,omitempty"`
	ExperimentID string `json:"experiment_id,omitempty" cbor:"3,keyasint,omitempty"`
	GlobalUserID int    `json:"global_user_id,omitempty" cbor:"4,keyasint,omitempty"`
}

// NewUserSession returns a session for a registered user.
func NewUserSession(userID int) *UserSession {
	return &UserSession{UserID: userID}
}

// Key returns the binding key of this session for a module type.
// Experiment sessions are keyed by experiment id, anonymous launches by
// global user id and everything else by user id.
func (s *UserSession) Key(m ModuleType) CompositeSessionKey {
	switch {
	case s.ExperimentID != "":
		return NewExperimentKey(s.ExperimentID, s.GlobalUserID, m)
	case s.UserID == 0 && s.GlobalUserID != 0:
		return NewGlobalUserKey(s.GlobalUserID, m)
	default:
		return NewUserKey(s.UserID, m)
	}
}

// String returns a string representation of the session
func (s *UserSession) String() string {
	if s == nil {
		return "UserSession{nil}"
	}
	if s.ExperimentID != "" {
		return fmt.Sprintf("UserSession{experiment: %s, global_user: %d}", s.ExperimentID, s.GlobalUserID)
	}
	return fmt.Sprintf("UserSession{user: %d, name: %q}", s.UserID, s.Username)
}

type optionalInt struct {
	set   bool
	value int
}

type optionalString struct {
	set   bool
	value string
}

// CompositeSessionKey binds one user or experiment session to one module type.
// It is a comparable value: two keys are equal when every identity field and
// the module type match, and an absent field only equals another absent field.
type CompositeSessionKey struct {
	userID       optionalInt
	experimentID optionalString
	globalUserID optionalInt
	moduleType   ModuleType
}

// NewUserKey returns a key for a registered user.
func NewUserKey(userID int, m ModuleType) CompositeSessionKey {
	return CompositeSessionKey{userID: optionalInt{set: true, value: userID}, moduleType: m}
}

// NewExperimentKey returns a key for an experiment participant.
func NewExperimentKey(experimentID string, globalUserID int, m ModuleType) CompositeSessionKey {
	return CompositeSessionKey{
		experimentID: optionalString{set: true, value: experimentID},
		globalUserID: optionalInt{set: true, value: globalUserID},
		moduleType:   m,
	}
}

// NewGlobalUserKey returns a key for a session only known by its global user id.
func NewGlobalUserKey(globalUserID int, m ModuleType) CompositeSessionKey {
	return CompositeSessionKey{globalUserID: optionalInt{set: true, value: globalUserID}, moduleType: m}
}

// ModuleType returns the module type of the key
func (k CompositeSessionKey) ModuleType() ModuleType {
	return k.moduleType
}

// UserID returns the user id and whether it is present
func (k CompositeSessionKey) UserID() (int, bool) {
	return k.userID.value, k.userID.set
}

// ExperimentID returns the experiment id and whether it is present
func (k CompositeSessionKey) ExperimentID() (string, bool) {
	return k.experimentID.value, k.experimentID.set
}

// GlobalUserID returns the global user id and whether it is present
func (k CompositeSessionKey) GlobalUserID() (int, bool) {
	return k.globalUserID.value, k.globalUserID.set
}

// SessionOnly returns the key with the module type cleared. It identifies the
// session regardless of which module is bound to it.
func (k CompositeSessionKey) SessionOnly() CompositeSessionKey {
	k.moduleType = ""
	return k
}

// String returns a string representation of the key
func (k CompositeSessionKey) String() string {
	id := "none"
	switch {
	case k.experimentID.set:
		id = "experiment:" + k.experimentID.value + "/global:" + strconv.Itoa(k.globalUserID.value)
	case k.userID.set:
		id = "user:" + strconv.Itoa(k.userID.value)
	case k.globalUserID.set:
		id = "global:" + strconv.Itoa(k.globalUserID.value)
	}
	return fmt.Sprintf("CompositeSessionKey{%s, module: %s}", id, k.moduleType)
}

// PeerDescriptor is the last known status of one discovered module instance.
type PeerDescriptor struct {
	ModuleType ModuleType `json:"module_type"`
	ModuleName string     `json:"module_name"`
	Address    string     `json:"address"`
	// TopicAddress is the simulation broadcast topic of a gateway peer.
	TopicAddress string    `json:"topic_address,omitempty"`
	LastSeen     time.Time `json:"last_seen"`
}

// Matches reports whether two descriptors name the same module instance.
func (p PeerDescriptor) Matches(other PeerDescriptor) bool {
	return p.ModuleType == other.ModuleType && p.Address == other.Address
}

// String returns a string representation of the descriptor
func (p PeerDescriptor) String() string {
	return fmt.Sprintf("PeerDescriptor{type: %s, name: %s, address: %s}", p.ModuleType, p.ModuleName, p.Address)
}
