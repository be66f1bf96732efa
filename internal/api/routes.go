package api

import "net/http"

const (
	cognitivePrefix  = "/api/v1/cognitive"
	knowledgePrefix  = "/api/v1/knowledge"
	salesPrefix      = "/api/v1/sales"
	enterprisePrefix = "/api/v1/enterprise"
)

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.healthHandler)

	// Cognitive
	mux.HandleFunc("POST "+cognitivePrefix+"/reasoning", s.reasoningHandler)
	mux.HandleFunc("POST "+cognitivePrefix+"/anchor-points", s.createAnchorHandler)
	mux.HandleFunc("GET "+cognitivePrefix+"/anchor-points/{session_id}", s.activeAnchorHandler)
	mux.HandleFunc("PUT "+cognitivePrefix+"/anchor-points/{session_id}/{anchor_id}", s.updateAnchorHandler)
	mux.HandleFunc("GET "+cognitivePrefix+"/anchor-points/{session_id}/history", s.anchorHistoryHandler)
	mux.HandleFunc("DELETE "+cognitivePrefix+"/anchor-points/{session_id}", s.clearAnchorsHandler)
	mux.HandleFunc("POST "+cognitivePrefix+"/anchor-points/{session_id}/validate", s.validateAnchorHandler)
	mux.HandleFunc("POST "+cognitivePrefix+"/guardrails/validate", s.validateGuardrailsHandler)
	mux.HandleFunc("GET "+cognitivePrefix+"/guardrails/rules", s.guardrailRulesHandler)
	mux.HandleFunc("POST "+cognitivePrefix+"/guardrails/rules", s.addGuardrailRuleHandler)

	// Knowledge
	mux.HandleFunc("POST "+knowledgePrefix+"/memory/store", s.storeMemoryHandler)
	mux.HandleFunc("POST "+knowledgePrefix+"/memory/cleanup", s.cleanupMemoryHandler)
	mux.HandleFunc("GET "+knowledgePrefix+"/memory/{session_id}", s.retrieveMemoryHandler)
	mux.HandleFunc("DELETE "+knowledgePrefix+"/memory/{session_id}", s.forgetMemoryHandler)
	mux.HandleFunc("POST "+knowledgePrefix+"/memory/{session_id}/consolidate", s.consolidateMemoryHandler)
	mux.HandleFunc("GET "+knowledgePrefix+"/memory/{session_id}/stats", s.memoryStatsHandler)
	mux.HandleFunc("GET "+knowledgePrefix+"/breadcrumbs/{session_id}", s.breadcrumbsHandler)
	mux.HandleFunc("GET "+knowledgePrefix+"/breadcrumbs/{session_id}/summary", s.breadcrumbSummaryHandler)
	mux.HandleFunc("GET "+knowledgePrefix+"/breadcrumbs/{session_id}/search", s.breadcrumbSearchHandler)
	mux.HandleFunc("DELETE "+knowledgePrefix+"/breadcrumbs/{session_id}", s.clearBreadcrumbsHandler)
	mux.HandleFunc("GET "+knowledgePrefix+"/modules/{module}/breadcrumbs", s.moduleHistoryHandler)
	mux.HandleFunc("POST "+knowledgePrefix+"/kgraph/entities", s.addEntityHandler)
	mux.HandleFunc("POST "+knowledgePrefix+"/kgraph/relationships", s.addRelationshipHandler)
	mux.HandleFunc("GET "+knowledgePrefix+"/kgraph/entities/{id}", s.queryEntityHandler)
	mux.HandleFunc("GET "+knowledgePrefix+"/kgraph/entities/{id}/subgraph", s.subgraphHandler)
	mux.HandleFunc("GET "+knowledgePrefix+"/kgraph/path", s.findPathHandler)
	mux.HandleFunc("GET "+knowledgePrefix+"/kgraph/stats", s.graphStatsHandler)
	mux.HandleFunc("POST "+knowledgePrefix+"/kgraph/extract", s.extractHandler)
	mux.HandleFunc("POST "+knowledgePrefix+"/rag-query", s.ragQueryHandler)

	// Sales
	mux.HandleFunc("POST "+salesPrefix+"/message", s.salesMessageHandler)
	mux.HandleFunc("POST "+salesPrefix+"/objections/handle", s.objectionHandler)
	mux.HandleFunc("POST "+salesPrefix+"/analyze-lead", s.analyzeLeadHandler)
	mux.HandleFunc("GET "+salesPrefix+"/state/{session_id}", s.conversationStateHandler)
	mux.HandleFunc("POST "+salesPrefix+"/twilio/webhook", s.twilio.WebhookHandler)
	mux.HandleFunc("POST "+salesPrefix+"/twilio/voice", s.twilio.VoiceHandler)
	mux.HandleFunc("POST "+salesPrefix+"/twilio/calls", s.twilioCallHandler)
	mux.HandleFunc("GET "+salesPrefix+"/twilio/messages/{sid}/status", s.twilioMessageStatusHandler)
	mux.HandleFunc("GET "+salesPrefix+"/whatsapp/webhook", s.whatsappVerifyHandler)
	mux.HandleFunc("POST "+salesPrefix+"/whatsapp/webhook", s.whatsappWebhookHandler)
	mux.HandleFunc("POST "+salesPrefix+"/whatsapp/templates", s.whatsappTemplateHandler)
	mux.HandleFunc("GET "+salesPrefix+"/whatsapp/messages/{message_id}/status", s.whatsappMessageStatusHandler)

	// Enterprise
	mux.HandleFunc("POST "+enterprisePrefix+"/analytics/track", s.trackEventHandler)
	mux.HandleFunc("GET "+enterprisePrefix+"/analytics/dashboard", s.dashboardHandler)
	mux.HandleFunc("GET "+enterprisePrefix+"/analytics/funnel", s.funnelHandler)
	mux.HandleFunc("GET "+enterprisePrefix+"/analytics/metrics", s.metricsHandler)
	mux.HandleFunc("POST "+enterprisePrefix+"/crm/connect", s.crmConnectHandler)
	mux.HandleFunc("GET "+enterprisePrefix+"/crm/integrations", s.crmIntegrationsHandler)
	mux.HandleFunc("POST "+enterprisePrefix+"/crm/sync", s.crmSyncHandler)
	mux.HandleFunc("GET "+enterprisePrefix+"/crm/leads/{lead_id}", s.getLeadHandler)
	mux.HandleFunc("PATCH "+enterprisePrefix+"/crm/leads/{lead_id}", s.updateLeadHandler)
	mux.HandleFunc("POST "+enterprisePrefix+"/surveys/send", s.sendSurveyHandler)
	mux.HandleFunc("POST "+enterprisePrefix+"/surveys/answer", s.answerSurveyHandler)
	mux.HandleFunc("GET "+enterprisePrefix+"/surveys/{session_id}", s.listSurveysHandler)
	mux.HandleFunc("GET "+enterprisePrefix+"/agents/status", s.agentStatusHandler)
	mux.HandleFunc("POST "+enterprisePrefix+"/agents/route", s.routeAgentHandler)
	mux.HandleFunc("POST "+enterprisePrefix+"/agents/workflow", s.workflowHandler)

	return mux
}
