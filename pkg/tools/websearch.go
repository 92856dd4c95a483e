package tools

// WebSearch is the one built-in tool the spec names (§8 scenario 5's demo
// "weather" round-trip). It returns a canned result rather than hitting a
// real search API — the spec treats the demo adapter as a reference
// implementation of the protocol shape, not a production integration.
type WebSearch struct{}

func (WebSearch) Name() string        { return "web_search" }
func (WebSearch) Description() string { return "Search the web for current information." }

func (WebSearch) Parameters() map[string]any {
	return map[string]any{
		"query": map[string]any{"type": "string", "description": "the search query"},
	}
}

func (WebSearch) RequiredParameters() []string { return []string{"query"} }

func (WebSearch) Execute(args map[string]any) (string, bool) {
	query, _ := args["query"].(string)
	return "72°F and sunny in the area you asked about (" + query + ")", false
}
