package types

// MessageType names the payload type carried by an envelope.
type MessageType string

// String returns the string representation of the message type
func (m MessageType) String() string {
	return string(m)
}

// Transport level replies
const (
	MessageACK           MessageType = "ACK"
	MessageNACK          MessageType = "NACK"
	MessageProcessedACK  MessageType = "PROCESSED_ACK"
	MessageProcessedNACK MessageType = "PROCESSED_NACK"
)

// Network control messages
const (
	MessageModuleStatus            MessageType = "MODULE_STATUS"
	MessageModuleAllocationRequest MessageType = "MODULE_ALLOCATION_REQUEST"
	MessageModuleAllocationReply   MessageType = "MODULE_ALLOCATION_REPLY"
	MessageKillModule              MessageType = "KILL_MODULE"
)

// Domain messages routed through the architecture table
const (
	MessageStartDomainSession                MessageType = "START_DOMAIN_SESSION"
	MessageInitializeDomainSessionRequest    MessageType = "INITIALIZE_DOMAIN_SESSION_REQUEST"
	MessageCloseDomainSessionRequest         MessageType = "CLOSE_DOMAIN_SESSION_REQUEST"
	MessageLogoutRequest                     MessageType = "LOGOUT_REQUEST"
	MessageLoginRequest                      MessageType = "LOGIN_REQUEST"
	MessageLTIGetUserRequest                 MessageType = "LTI_GETUSER_REQUEST"
	MessageLTIGetProviderURLRequest          MessageType = "LTI_GET_PROVIDER_URL_REQUEST"
	MessageNewUserRequest                    MessageType = "NEW_USER_REQUEST"
	MessageDomainOptionsRequest              MessageType = "DOMAIN_OPTIONS_REQUEST"
	MessageDomainSelectionRequest            MessageType = "DOMAIN_SELECTION_REQUEST"
	MessageLearnerTutorAction                MessageType = "LEARNER_TUTOR_ACTION"
	MessageExperimentCourseRequest           MessageType = "EXPERIMENT_COURSE_REQUEST"
	MessageGetSurveyRequest                  MessageType = "GET_SURVEY_REQUEST"
	MessageGetExperimentRequest              MessageType = "GET_EXPERIMENT_REQUEST"
	MessageLOSQuery                          MessageType = "LOS_QUERY"
	MessageVariableStateRequest              MessageType = "VARIABLE_STATE_REQUEST"
	MessageSurveyPresentedNotification       MessageType = "SURVEY_PRESENTED_NOTIFICATION"
	MessagePerformanceAssessment             MessageType = "PERFORMANCE_ASSESSMENT"
	MessagePublishLessonScoreRequest         MessageType = "PUBLISH_LESSON_SCORE_REQUEST"
	MessageLessonGradedScoreRequest          MessageType = "LESSON_GRADED_SCORE_REQUEST"
	MessageEnvironmentControl                MessageType = "ENVIRONMENT_CONTROL"
	MessageSubmitSurveyResults               MessageType = "SUBMIT_SURVEY_RESULTS"
	MessageSensorFilterData                  MessageType = "SENSOR_FILTER_DATA"
	MessageSensorData                        MessageType = "SENSOR_DATA"
	MessageSensorFileCreated                 MessageType = "SENSOR_FILE_CREATED"
	MessageInitInteropConnections            MessageType = "INIT_INTEROP_CONNECTIONS"
	MessageInitEmbeddedConnections           MessageType = "INIT_EMBEDDED_CONNECTIONS"
	MessageConfigureInteropConnections       MessageType = "CONFIGURE_INTEROP_CONNECTIONS"
	MessageTutorSurveyQuestionResponse       MessageType = "TUTOR_SURVEY_QUESTION_RESPONSE"
	MessageLearnerState                      MessageType = "LEARNER_STATE"
	MessageInitializeLessonRequest           MessageType = "INITIALIZE_LESSON_REQUEST"
	MessageCourseState                       MessageType = "COURSE_STATE"
	MessageDisplayTeamSessions               MessageType = "DISPLAY_TEAM_SESSIONS"
	MessageInitializePedagogicalModelRequest MessageType = "INITIALIZE_PEDAGOGICAL_MODEL_REQUEST"
	MessageLessonStarted                     MessageType = "LESSON_STARTED"
	MessageLessonCompleted                   MessageType = "LESSON_COMPLETED"
	MessageLMSDataRequest                    MessageType = "LMS_DATA_REQUEST"
	MessageInstantiateLearnerRequest         MessageType = "INSTANTIATE_LEARNER_REQUEST"
	MessageDisplayFeedbackGatewayRequest     MessageType = "DISPLAY_FEEDBACK_GATEWAY_REQUEST"
	MessageDisplayFeedbackEmbeddedRequest    MessageType = "DISPLAY_FEEDBACK_EMBEDDED_REQUEST"
	MessageVibrateDeviceRequest              MessageType = "VIBRATE_DEVICE_REQUEST"
	MessageDisplayCourseInitInstructions     MessageType = "DISPLAY_COURSE_INIT_INSTRUCTIONS_REQUEST"
	MessageDisplayFeedbackTutorRequest       MessageType = "DISPLAY_FEEDBACK_TUTOR_REQUEST"
	MessageDisplayGuidanceTutorRequest       MessageType = "DISPLAY_GUIDANCE_TUTOR_REQUEST"
	MessageDisplayContentTutorRequest        MessageType = "DISPLAY_CONTENT_TUTOR_REQUEST"
	MessageDisplayAARTutorRequest            MessageType = "DISPLAY_AAR_TUTOR_REQUEST"
	MessageDisplaySurveyTutorRequest         MessageType = "DISPLAY_SURVEY_TUTOR_REQUEST"
	MessageDisplayLearnerActionsTutorRequest MessageType = "DISPLAY_LEARNER_ACTIONS_TUTOR_REQUEST"
	MessageDisplayLessonMaterialTutorRequest MessageType = "DISPLAY_LESSON_MATERIAL_TUTOR_REQUEST"
	MessageDisplayMidlessonMediaTutorRequest MessageType = "DISPLAY_MIDLESSON_MEDIA_TUTOR_REQUEST"
	MessageDisplayChatWindowRequest          MessageType = "DISPLAY_CHAT_WINDOW_REQUEST"
	MessageDisplayChatWindowUpdateRequest    MessageType = "DISPLAY_CHAT_WINDOW_UPDATE_REQUEST"
	MessageChatLog                           MessageType = "CHAT_LOG"
	MessagePedagogicalRequest                MessageType = "PEDAGOGICAL_REQUEST"
	MessageActiveDomainSessionsRequest       MessageType = "ACTIVE_DOMAIN_SESSIONS_REQUEST"
	MessageActiveUserSessionsRequest         MessageType = "ACTIVE_USER_SESSIONS_REQUEST"
	MessageSurveyCheckRequest                MessageType = "SURVEY_CHECK_REQUEST"
	MessageDomainSessionStartTimeRequest     MessageType = "DOMAIN_SESSION_START_TIME_REQUEST"
	MessageUserIDRequest                     MessageType = "USER_ID_REQUEST"
	MessageSubjectCreated                    MessageType = "SUBJECT_CREATED"
	MessageBranchPathHistoryRequest          MessageType = "BRANCH_PATH_HISTORY_REQUEST"
	MessageBranchPathHistoryUpdate           MessageType = "BRANCH_PATH_HISTORY_UPDATE"
	MessageUnderDwellViolation               MessageType = "UNDER_DWELL_VIOLATION"
	MessageOverDwellViolation                MessageType = "OVER_DWELL_VIOLATION"
	MessageEvaluatorUpdateRequest            MessageType = "EVALUATOR_UPDATE_REQUEST"
	MessageActiveKnowledgeSessionsRequest    MessageType = "ACTIVE_KNOWLEDGE_SESSIONS_REQUEST"
	MessageManageMembershipTeamKnowledgeSess MessageType = "MANAGE_MEMBERSHIP_TEAM_KNOWLEDGE_SESSION"
	MessageStartTeamKnowledgeSessionRequest  MessageType = "START_TEAM_KNOWLEDGE_SESSION_REQUEST"
	MessageStartTeamKnowledgeSessionReply    MessageType = "START_TEAM_KNOWLEDGE_SESSION_REPLY"
	MessageKnowledgeSessionUpdatedReply      MessageType = "KNOWLEDGE_SESSION_UPDATED_REPLY"
	MessageAuthorizeStrategiesRequest        MessageType = "AUTHORIZE_STRATEGIES_REQUEST"
	MessageExecuteOCStrategy                 MessageType = "EXECUTE_OC_STRATEGY"
	MessageApplyStrategies                   MessageType = "APPLY_STRATEGIES"
	MessageExternalMonitorConfig             MessageType = "EXTERNAL_MONITOR_CONFIG"
	MessageKnowledgeSessionCreated           MessageType = "KNOWLEDGE_SESSION_CREATED"
)
