package permission

import "testing"

func has(allowed map[string]struct{}, tool string) bool {
	_, ok := allowed[tool]
	return ok
}

func TestParseTier(t *testing.T) {
	if tier, err := ParseTier(" C-Suite "); err != nil || tier != TierCSuite {
		t.Fatalf("ParseTier = %v, %v", tier, err)
	}
	if _, err := ParseTier("root"); err == nil {
		t.Fatal("unknown tier accepted")
	}
}

func TestAllowedTools(t *testing.T) {
	t.Run("everyone gets the read set", func(t *testing.T) {
		for _, tier := range []Tier{TierCSuite, TierBoard, TierGovernance, TierExternal, TierTeam, TierGuardian, TierCoach} {
			allowed := AllowedTools("SomeAgent", tier, "")
			if !has(allowed, "crm_listContacts") || !has(allowed, "dashboard_metrics") {
				t.Errorf("tier %s missing base read tools", tier)
			}
		}
	})

	t.Run("named identity exceptions", func(t *testing.T) {
		cfo := AllowedTools("CFO", TierCSuite, "")
		if !has(cfo, "payments_processWebhook") {
			t.Fatal("CFO denied payment ops")
		}
		cmo := AllowedTools("CMO", TierCSuite, "")
		if has(cmo, "payments_processWebhook") {
			t.Fatal("CMO granted payment ops")
		}
		cto := AllowedTools("CTO", TierCSuite, "")
		if !has(cto, "storefronts_delete") || !has(cto, "n8n_executeWorkflow") {
			t.Fatal("CTO missing destructive/integration grants")
		}
		if has(cmo, "storefronts_delete") {
			t.Fatal("CMO granted destructive tools")
		}
	})

	t.Run("team grants require team tier", func(t *testing.T) {
		member := AllowedTools("LeadScorer", TierTeam, "sales-crm")
		if !has(member, "crm_createContact") || !has(member, "outbound_sendWhatsApp") {
			t.Fatal("sales-crm member missing team grants")
		}
		// Same team name but c-suite tier: team grants do not apply (the
		// tier grant covers more anyway), and a teamless team-tier agent
		// only reads.
		bare := AllowedTools("Drifter", TierTeam, "")
		if has(bare, "crm_createContact") {
			t.Fatal("teamless agent granted crm-write")
		}
		finance := AllowedTools("InvoiceBot", TierTeam, "finance-billing")
		if !has(finance, "payments_processWebhook") {
			t.Fatal("finance-billing member denied payment ops")
		}
	})

	t.Run("deny by default", func(t *testing.T) {
		allowed := AllowedTools("EscalationBot", TierTeam, "whatsapp-comms")
		for _, tool := range []string{"storefronts_delete", "n8n_executeWorkflow", "made_up_tool"} {
			if has(allowed, tool) {
				t.Errorf("tool %s allowed without a grant", tool)
			}
		}
	})

	t.Run("every purpose names at least one tool", func(t *testing.T) {
		for _, p := range AllPurposes {
			if len(p.Tools()) == 0 {
				t.Errorf("purpose %s has no tools", p)
			}
		}
	})
}
