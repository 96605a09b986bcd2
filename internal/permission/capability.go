// Package permission implements the capability model that gates every tool
// invocation. Access is deny-by-default: an agent may only invoke tools in
// the union of the base read set, its tier defaults, its team grant, and any
// named-identity exceptions.
package permission

import (
	"fmt"
	"strings"
)

// Tier is the coarse trust level of an agent identity.
type Tier string

const (
	TierCSuite     Tier = "c-suite"
	TierBoard      Tier = "board"
	TierGovernance Tier = "governance"
	TierExternal   Tier = "external"
	TierTeam       Tier = "team"
	TierGuardian   Tier = "guardian"
	TierCoach      Tier = "coach"
)

// ParseTier validates a tier string.
func ParseTier(s string) (Tier, error) {
	t := Tier(strings.ToLower(strings.TrimSpace(s)))
	switch t {
	case TierCSuite, TierBoard, TierGovernance, TierExternal, TierTeam, TierGuardian, TierCoach:
		return t, nil
	}
	return "", fmt.Errorf("unknown tier %q", s)
}

// Purpose is a named capability set.
type Purpose string

const (
	PurposeRead          Purpose = "read"
	PurposeCRMWrite      Purpose = "crm-write"
	PurposeOutbound      Purpose = "outbound-messaging"
	PurposePaymentOps    Purpose = "payment-ops"
	PurposeContent       Purpose = "content-generation"
	PurposeCalendarWrite Purpose = "calendar-write"
	PurposeKnowledge     Purpose = "knowledge-write"
	PurposeIntegration   Purpose = "integration-management"
	PurposeDestructive   Purpose = "destructive"
)

// AllPurposes lists every capability set, for exhaustiveness checks in tests.
var AllPurposes = []Purpose{
	PurposeRead,
	PurposeCRMWrite,
	PurposeOutbound,
	PurposePaymentOps,
	PurposeContent,
	PurposeCalendarWrite,
	PurposeKnowledge,
	PurposeIntegration,
	PurposeDestructive,
}

// purposeTools maps each capability set to its concrete tool names.
// Read tools are broadly available; everything else requires a grant.
var purposeTools = map[Purpose][]string{
	PurposeRead: {
		"crm_listContacts",
		"crm_getContact",
		"crm_businessSummary",
		"orders_listOrders",
		"orders_getOrder",
		"storefronts_list",
		"products_list",
		"dashboard_metrics",
		"email_listInbox",
		"memory_search",
		"memory_get_context",
		"sop_search",
		"sop_get",
		"sop_list",
		"payments_listTransactions",
		"payments_getTransaction",
		"payments_summary",
		"calendar_listEvents",
		"calendar_today",
		"calendar_findSlot",
		"web_search",
		"web_scrape",
		"inventory_checkStock",
		"inventory_lowStockAlerts",
		"n8n_listWorkflows",
		"n8n_getExecutions",
		"n8n_healthCheck",
		"rag_search",
		"country_getConfig",
	},
	PurposeCRMWrite: {
		"crm_createContact",
		"crm_updateContact",
		"orders_createOrder",
		"orders_updateOrder",
		"storefronts_create",
		"storefronts_update",
		"storefronts_send",
		"storefronts_markPaid",
		"products_create",
		"products_update",
		"inventory_adjustStock",
	},
	PurposeOutbound: {
		"outbound_sendWhatsApp",
		"outbound_sendEmail",
		"outbound_sendVoiceNote",
		"outbound_makeCall",
		"email_compose",
	},
	PurposePaymentOps: {
		"payments_processWebhook",
	},
	PurposeContent: {
		"artifact_generateCode",
		"artifact_generateDocument",
		"artifact_list",
		"artifact_readFile",
		"doc_scan",
		"voice_speak",
		"media_describe",
		"media_ocr",
		"content_publish",
		"content_promote",
	},
	PurposeCalendarWrite: {
		"calendar_addEvent",
		"calendar_updateEvent",
		"calendar_deleteEvent",
		"calendar_addTask",
	},
	PurposeKnowledge: {
		"memory_store_knowledge",
		"sop_create",
		"sop_update",
		"rag_index",
		"country_configure",
	},
	PurposeIntegration: {
		"n8n_executeWorkflow",
		"n8n_triggerWebhook",
		"n8n_activateWorkflow",
		"lovable_listProjects",
		"lovable_pushArtifact",
		"artifact_pushToLovable",
	},
	PurposeDestructive: {
		"storefronts_delete",
		"products_delete",
		"artifact_selfHeal",
		"artifact_generateMigration",
	},
}

// Tools returns the tool names in a capability set.
func (p Purpose) Tools() []string {
	return purposeTools[p]
}

// tierGrants maps each tier to its default capability sets, on top of the
// base read set everyone holds.
var tierGrants = map[Tier][]Purpose{
	TierCSuite: {
		PurposeCRMWrite, PurposeOutbound, PurposeContent,
		PurposeCalendarWrite, PurposeKnowledge, PurposeIntegration,
	},
	TierBoard:      {PurposeKnowledge},
	TierGovernance: {PurposeKnowledge},
	TierExternal:   {PurposeKnowledge},
	TierTeam:       nil, // team grants apply instead
	TierGuardian:   {PurposeContent, PurposeKnowledge},
	TierCoach:      {PurposeKnowledge, PurposeContent},
}

// teamGrants maps a team to its additional capability sets (tier=team only).
var teamGrants = map[string][]Purpose{
	"sales-crm":            {PurposeCRMWrite, PurposeOutbound},
	"whatsapp-comms":       {PurposeCRMWrite, PurposeOutbound},
	"customer-success":     {PurposeCRMWrite, PurposeOutbound},
	"marketing-growth":     {PurposeContent, PurposeOutbound},
	"growth-hacking":       {PurposeContent, PurposeOutbound},
	"content-brand":        {PurposeContent, PurposeOutbound},
	"education-onboarding": {PurposeContent, PurposeKnowledge},
	"platform-eng":         {PurposeContent, PurposeKnowledge, PurposeIntegration},
	"backend":              {PurposeContent, PurposeKnowledge, PurposeIntegration},
	"frontend":             {PurposeContent, PurposeKnowledge},
	"devops-ci":            {PurposeContent, PurposeKnowledge, PurposeIntegration},
	"qa-testing":           {PurposeContent, PurposeKnowledge},
	"ai-ml":                {PurposeContent, PurposeKnowledge},
	"finance-billing":      {PurposePaymentOps, PurposeCRMWrite},
	"legal-compliance":     {PurposeKnowledge},
	"strategy-intel":       {PurposeKnowledge, PurposeCalendarWrite},
	"governance-pmo":       {PurposeKnowledge, PurposeCalendarWrite},
	"coaches":              {PurposeKnowledge, PurposeContent},
}

// identityGrants maps named identities to extra capability sets, regardless
// of team. Finance leadership handles payment webhooks; engineering
// leadership owns integrations and the destructive surface.
var identityGrants = map[string][]Purpose{
	"CFO":             {PurposePaymentOps},
	"CRO":             {PurposePaymentOps},
	"CTO":             {PurposeIntegration, PurposeDestructive},
	"HeadEngineering": {PurposeIntegration, PurposeDestructive},
}

// AllowedTools computes the allowed tool set for an identity: base read set,
// tier defaults, team grant (when tier is team), and identity exceptions.
// A tool absent from the result is never executable.
func AllowedTools(identity string, tier Tier, teamName string) map[string]struct{} {
	allowed := make(map[string]struct{})
	addPurpose := func(p Purpose) {
		for _, tool := range purposeTools[p] {
			allowed[tool] = struct{}{}
		}
	}

	addPurpose(PurposeRead)
	for _, p := range tierGrants[tier] {
		addPurpose(p)
	}
	if tier == TierTeam && teamName != "" {
		for _, p := range teamGrants[teamName] {
			addPurpose(p)
		}
	}
	for _, p := range identityGrants[identity] {
		addPurpose(p)
	}
	return allowed
}
