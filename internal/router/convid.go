package router

import "github.com/numroute/numroute/internal/convstore"

// ConversationID derives the conversation identifier for a sender on a
// channel type: "whatsapp_15550002". It is deliberately stable, so
// repeated messages from the same sender accumulate into one long-lived
// conversation per channel type. Both the queue processor and the HTTP
// surface go through this one function; a second derivation formula would
// split histories.
func ConversationID(channelType, senderPhone string) string {
	return channelType + "_" + convstore.SanitizePhone(senderPhone)
}
