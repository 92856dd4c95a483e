package protocol

// RealMethods are dispatched to genuine handlers by the router (C6, spec §4.2).
var RealMethods = []string{
	"connect",
	"chat.send",
	"chat.abort",
	"chat.history",
	"chat.inject",
	"chat.subscribe",
	"agent",
	"agent.wait",
	"sessions.list",
	"sessions.patch",
	"sessions.reset",
	"sessions.delete",
	"send",
	"health",
	"status",
	"system-presence",
	"logs.tail",
	"models.list",
	"config.get",
}

// StubMethods exist only so the handshake's features.methods list is
// accurate and so `/tools/invoke`-style method names resolve to *something*.
// Every entry returns {stub:true, todo:"<tag>"} and nothing else. The set
// holds 40 names, next to the 19 in RealMethods.
var StubMethods = []string{
	"cron.list", "cron.create", "cron.delete", "cron.run",
	"devices.list", "devices.pair", "devices.unpair",
	"nodes.list", "nodes.status",
	"approvals.list", "approvals.grant", "approvals.deny",
	"tts.speak", "tts.voices",
	"wizard.start", "wizard.step", "wizard.cancel",
	"files.list", "files.read", "files.write",
	"memory.get", "memory.set", "memory.delete",
	"webhooks.list", "webhooks.create", "webhooks.delete",
	"plugins.list", "plugins.enable", "plugins.disable",
	"billing.usage", "billing.limits",
	"notifications.list", "notifications.ack",
	"search.web", "search.files",
	"calendar.list", "calendar.create",
	"contacts.list",
	"automation.list", "automation.run",
}

// AllMethods is the closed set returned verbatim in the handshake snapshot.
func AllMethods() []string {
	out := make([]string, 0, len(RealMethods)+len(StubMethods))
	out = append(out, RealMethods...)
	out = append(out, StubMethods...)
	return out
}

// KnownEvents is the closed set of server-originated event names.
var KnownEvents = []string{
	"hello",
	"connect.challenge",
	"presence",
	"tick",
	"health",
	"shutdown",
	"agent",
	"chat",
}
