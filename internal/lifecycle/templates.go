package lifecycle

import "fmt"

// Channel-aware message templates. Each map is keyed by origin channel and
// must cover every channel; the templates test checks exhaustiveness.
// WhatsApp copy is Spanish per the primary market.

var ackMessages = map[Channel]func(ref string) string{
	ChannelWhatsApp: func(ref string) string {
		return fmt.Sprintf("Recibido. Trabajando en esto... Te envío el borrador pronto.\n\n_Ref: %s_", ref)
	},
	ChannelEmail: func(ref string) string {
		return fmt.Sprintf("We received your request and are working on it. You'll receive a draft for your review within 24 hours.\n\nReference: %s", ref)
	},
	ChannelWeb: func(ref string) string {
		return fmt.Sprintf("Got it. Processing your request...\n\nI'll have a draft ready for your review shortly. Reference: %s", ref)
	},
	ChannelSMS: func(ref string) string {
		return fmt.Sprintf("KITZ: Request received. Draft coming soon. Ref: %s", ref)
	},
	ChannelVoice: func(ref string) string {
		return fmt.Sprintf("Request received. I'll prepare a draft for your review. Reference number: %s.", ref)
	},
}

var clarificationMessages = map[Channel]func(question, ref string) string{
	ChannelWhatsApp: func(q, ref string) string {
		return fmt.Sprintf("Necesito más info para completar tu solicitud:\n\n%s\n\n_Responde a este mensaje. Ref: %s_", q, ref)
	},
	ChannelEmail: func(q, ref string) string {
		return fmt.Sprintf("We need a bit more information to complete your request:\n\n%s\n\nPlease reply to this email with the details. Reference: %s", q, ref)
	},
	ChannelWeb: func(q, ref string) string {
		return fmt.Sprintf("I need some additional information to complete this task:\n\n%s\n\nPlease provide the details and I'll continue. Ref: %s", q, ref)
	},
	ChannelSMS: func(q, ref string) string {
		return fmt.Sprintf("KITZ needs more info: %s Reply with details. Ref: %s", q, ref)
	},
	ChannelVoice: func(q, ref string) string {
		return fmt.Sprintf("I need more information. %s. Please provide the details. Reference: %s.", q, ref)
	},
}

var draftReadyMessages = map[Channel]func(draft, ref string) string{
	ChannelWhatsApp: func(d, ref string) string {
		return fmt.Sprintf("📋 *Borrador listo para revisión*\n\n%s\n\n_Responde \"aprobar\" para enviar o \"rechazar\" para cancelar._\n_Ref: %s_", d, ref)
	},
	ChannelEmail: func(d, ref string) string {
		return fmt.Sprintf("Draft Ready for Review\n\n%s\n\nReply \"approve\" to send or \"reject\" to cancel.\nReference: %s", d, ref)
	},
	ChannelWeb: func(d, ref string) string {
		return fmt.Sprintf("**Draft Ready for Review**\n\n%s\n\nClick \"Approve\" to execute or \"Reject\" to cancel. Ref: %s", d, ref)
	},
	ChannelSMS: func(d, ref string) string {
		return fmt.Sprintf("KITZ Draft: %s... Reply APPROVE or REJECT. Ref: %s", truncate(d, 100), ref)
	},
	ChannelVoice: func(d, ref string) string {
		return fmt.Sprintf("Your draft is ready. %s. Say approve to send, or reject to cancel. Reference: %s.", truncate(d, 200), ref)
	},
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
