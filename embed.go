package assistrelay

import _ "embed"

// SystemPrompt is the default system instruction sent with every generation request. It teaches the
// model the @[openTab](URL) directive syntax that the relay extracts from streamed text.
//
//go:embed prompts/system.txt
var SystemPrompt string
