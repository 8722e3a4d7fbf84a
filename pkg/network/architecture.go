// Package network routes messages between modules. It holds the static
// topology of which module types receive which message types, the dynamic
// bindings of user sessions to allocated module instances and the allocation
// protocol that creates those bindings.
package network

import (
	"sort"

	"github.com/billm/tutornet/pkg/types"
)

// ArchitectureOptions selects a variant of the routing tables
type ArchitectureOptions struct {
	// RedirectTutorToGateway routes everything addressed to the tutor to the
	// gateway instead, and lets the gateway discover the modules a tutor would.
	RedirectTutorToGateway bool
}

// Architecture is the static routing configuration. It is immutable once
// built and safe to share.
type Architecture struct {
	recipients map[types.MessageType][]types.ModuleType
	discovery  map[types.ModuleType][]types.ModuleType
	redirected bool
}

// sessionModules are the module types allocated per user session
var sessionModules = []types.ModuleType{
	types.ModulePedagogical, types.ModuleSensor, types.ModuleLearner,
	types.ModuleGateway, types.ModuleTutor,
}

func baseRecipients() map[types.MessageType][]types.ModuleType {
	var (
		learner = types.ModuleLearner
		ped     = types.ModulePedagogical
		domain  = types.ModuleDomain
		tutor   = types.ModuleTutor
		ums     = types.ModuleUMS
		lms     = types.ModuleLMS
		sensor  = types.ModuleSensor
		gateway = types.ModuleGateway
		monitor = types.ModuleMonitor
		only    = func(m ...types.ModuleType) []types.ModuleType { return m }
	)

	return map[types.MessageType][]types.ModuleType{
		types.MessageStartDomainSession:             only(learner, ums, sensor, gateway, ped, tutor, lms),
		types.MessageInitializeDomainSessionRequest: only(learner, ums, sensor, gateway, ped, tutor, lms),
		types.MessageCloseDomainSessionRequest:      only(learner, ped, ums, sensor, gateway, tutor, lms),

		types.MessageLogoutRequest:            only(ums),
		types.MessageLoginRequest:             only(ums),
		types.MessageLTIGetUserRequest:        only(ums),
		types.MessageLTIGetProviderURLRequest: only(domain),
		types.MessageNewUserRequest:           only(ums),
		types.MessageDomainOptionsRequest:     only(domain),
		types.MessageDomainSelectionRequest:   only(domain),
		types.MessageLearnerTutorAction:       only(domain),
		types.MessageExperimentCourseRequest:  only(domain),
		types.MessageGetSurveyRequest:         only(ums),
		types.MessageGetExperimentRequest:     only(ums),

		types.MessageLOSQuery:                    only(gateway),
		types.MessageVariableStateRequest:        only(gateway),
		types.MessageSurveyPresentedNotification: only(gateway),
		types.MessagePerformanceAssessment:       only(learner),
		types.MessagePublishLessonScoreRequest:   only(lms, learner),
		types.MessageLessonGradedScoreRequest:    only(learner),
		types.MessageEnvironmentControl:          only(gateway, lms),
		types.MessageSubmitSurveyResults:         only(ums, learner, lms),

		types.MessageSensorFilterData:  only(learner),
		types.MessageSensorData:        only(learner),
		types.MessageSensorFileCreated: only(ums),

		types.MessageInitInteropConnections:      only(gateway),
		types.MessageInitEmbeddedConnections:     only(tutor),
		types.MessageConfigureInteropConnections: only(gateway),
		types.MessageTutorSurveyQuestionResponse: only(gateway),

		types.MessageLearnerState:                      only(ped, lms),
		types.MessageInitializeLessonRequest:           only(ped, learner),
		types.MessageCourseState:                       only(ped, tutor, learner),
		types.MessageDisplayTeamSessions:               only(tutor),
		types.MessageInitializePedagogicalModelRequest: only(ped),
		types.MessageLessonStarted:                     only(tutor, learner, ped, gateway),
		types.MessageLessonCompleted:                   only(tutor, learner, ped, gateway, lms),
		types.MessageLMSDataRequest:                    only(lms),
		types.MessageInstantiateLearnerRequest:         only(learner),

		types.MessageDisplayFeedbackGatewayRequest:     only(gateway),
		types.MessageDisplayFeedbackEmbeddedRequest:    only(tutor),
		types.MessageVibrateDeviceRequest:              only(tutor),
		types.MessageDisplayCourseInitInstructions:     only(tutor),
		types.MessageDisplayFeedbackTutorRequest:       only(tutor),
		types.MessageDisplayGuidanceTutorRequest:       only(tutor),
		types.MessageDisplayContentTutorRequest:        only(tutor),
		types.MessageDisplayAARTutorRequest:            only(tutor),
		types.MessageDisplaySurveyTutorRequest:         only(tutor),
		types.MessageDisplayLearnerActionsTutorRequest: only(tutor),
		types.MessageDisplayLessonMaterialTutorRequest: only(tutor),
		types.MessageDisplayMidlessonMediaTutorRequest: only(tutor),
		types.MessageDisplayChatWindowRequest:          only(tutor),
		types.MessageDisplayChatWindowUpdateRequest:    only(tutor),

		types.MessageChatLog:                       only(domain),
		types.MessagePedagogicalRequest:            only(domain, lms),
		types.MessageActiveDomainSessionsRequest:   only(domain),
		types.MessageActiveUserSessionsRequest:     only(tutor),
		types.MessageSurveyCheckRequest:            only(ums),
		types.MessageDomainSessionStartTimeRequest: only(ums),
		types.MessageUserIDRequest:                 only(ums),
		types.MessageSubjectCreated:                only(tutor),
		types.MessageBranchPathHistoryRequest:      only(ums),
		types.MessageBranchPathHistoryUpdate:       only(ums),
		types.MessageUnderDwellViolation:           only(domain),
		types.MessageOverDwellViolation:            only(domain),
		types.MessageEvaluatorUpdateRequest:        only(domain),

		types.MessageActiveKnowledgeSessionsRequest:    only(domain),
		types.MessageManageMembershipTeamKnowledgeSess: only(domain),
		types.MessageStartTeamKnowledgeSessionRequest:  only(domain, lms),
		types.MessageStartTeamKnowledgeSessionReply:    only(tutor),
		types.MessageKnowledgeSessionUpdatedReply:      only(domain),
		types.MessageAuthorizeStrategiesRequest:        only(monitor),
		types.MessageExecuteOCStrategy:                 only(monitor),
		types.MessageApplyStrategies:                   only(domain),
		types.MessageExternalMonitorConfig:             only(gateway),
		types.MessageKnowledgeSessionCreated:           only(lms),
	}
}

func baseDiscovery() map[types.ModuleType][]types.ModuleType {
	return map[types.ModuleType][]types.ModuleType{
		types.ModuleTutor:  {types.ModuleUMS, types.ModuleLMS, types.ModuleDomain},
		types.ModuleDomain: {
			types.ModuleUMS, types.ModuleLMS, types.ModuleSensor, types.ModuleLearner,
			types.ModulePedagogical, types.ModuleGateway, types.ModuleTutor, types.ModuleMonitor,
		},
		types.ModuleMonitor: {
			types.ModuleUMS, types.ModuleLMS, types.ModuleSensor, types.ModuleLearner,
			types.ModulePedagogical, types.ModuleGateway, types.ModuleTutor, types.ModuleDomain,
		},
		types.ModuleUMS: {
			types.ModuleLMS, types.ModuleSensor, types.ModuleLearner, types.ModulePedagogical,
			types.ModuleGateway, types.ModuleTutor, types.ModuleDomain,
		},
	}
}

// gatewayAlsoReceives lists the message types the gateway gets a copy of
// when tutor traffic is redirected to it.
var gatewayAlsoReceives = map[types.MessageType]bool{
	types.MessageSensorFilterData:           true,
	types.MessageLearnerState:               true,
	types.MessagePedagogicalRequest:         true,
	types.MessageAuthorizeStrategiesRequest: true,
}

// NewArchitecture builds the routing tables
func NewArchitecture(opts ArchitectureOptions) *Architecture {
	recipients := baseRecipients()
	discovery := baseDiscovery()

	if opts.RedirectTutorToGateway {
		discovery[types.ModuleGateway] = []types.ModuleType{types.ModuleUMS, types.ModuleLMS, types.ModuleDomain}

		for mt, list := range recipients {
			redirected := make([]types.ModuleType, 0, len(list)+1)
			for _, m := range list {
				if m == types.ModuleTutor {
					m = types.ModuleGateway
				}
				redirected = appendModule(redirected, m)
			}
			if gatewayAlsoReceives[mt] {
				redirected = appendModule(redirected, types.ModuleGateway)
			}
			recipients[mt] = redirected
		}
	}

	return &Architecture{
		recipients: recipients,
		discovery:  discovery,
		redirected: opts.RedirectTutorToGateway,
	}
}

func appendModule(list []types.ModuleType, m types.ModuleType) []types.ModuleType {
	for _, existing := range list {
		if existing == m {
			return list
		}
	}
	return append(list, m)
}

// Recipients returns the module types that must receive a message type. The
// slice is a copy; it is empty for unknown message types.
func (a *Architecture) Recipients(mt types.MessageType) []types.ModuleType {
	list := a.recipients[mt]
	out := make([]types.ModuleType, len(list))
	copy(out, list)
	return out
}

// Known reports whether the message type has a static route
func (a *Architecture) Known(mt types.MessageType) bool {
	_, ok := a.recipients[mt]
	return ok
}

// DiscoveryModules returns the module types a module of the given type
// listens for in order to find allocation candidates.
func (a *Architecture) DiscoveryModules(m types.ModuleType) []types.ModuleType {
	list := a.discovery[m]
	out := make([]types.ModuleType, len(list))
	copy(out, list)
	return out
}

// DiscoveryTopics returns the discovery topic names for DiscoveryModules
func (a *Architecture) DiscoveryTopics(m types.ModuleType) []string {
	list := a.discovery[m]
	out := make([]string, 0, len(list))
	for _, mt := range list {
		out = append(out, mt.DiscoveryTopic())
	}
	return out
}

// SessionModules returns the module types allocated per user session
func (a *Architecture) SessionModules() []types.ModuleType {
	return append([]types.ModuleType(nil), sessionModules...)
}

// MessageTypes returns every routed message type in lexical order
func (a *Architecture) MessageTypes() []types.MessageType {
	out := make([]types.MessageType, 0, len(a.recipients))
	for mt := range a.recipients {
		out = append(out, mt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// RedirectsTutorToGateway reports which variant this is
func (a *Architecture) RedirectsTutorToGateway() bool {
	return a.redirected
}

// Table is a printable form of the architecture.
type Table struct {
	RedirectTutorToGateway bool                                     `json:"redirect_tutor_to_gateway" yaml:"redirect_tutor_to_gateway"`
	Recipients             map[types.MessageType][]types.ModuleType `json:"recipients" yaml:"recipients"`
	Discovery              map[types.ModuleType][]string            `json:"discovery" yaml:"discovery"`
}

// Table returns a copy of the routing tables suitable for encoding
func (a *Architecture) Table() Table {
	t := Table{
		RedirectTutorToGateway: a.redirected,
		Recipients:             make(map[types.MessageType][]types.ModuleType, len(a.recipients)),
		Discovery:              make(map[types.ModuleType][]string, len(a.discovery)),
	}
	for mt := range a.recipients {
		t.Recipients[mt] = a.Recipients(mt)
	}
	for m := range a.discovery {
		t.Discovery[m] = a.DiscoveryTopics(m)
	}
	return t
}
