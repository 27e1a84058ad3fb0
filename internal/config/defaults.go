package config

// Built-in defaults applied when the configuration leaves a field empty.
const (
	DefaultMaxSteps = 8
	DefaultDataDir  = "~/.local/share/tether"

	DefaultOllamaEndpoint    = "http://127.0.0.1:11434"
	DefaultGeminiEndpoint    = "https://generativelanguage.googleapis.com"
	DefaultOpenAIEndpoint    = "https://api.openai.com"
	DefaultAnthropicEndpoint = "https://api.anthropic.com"
)

// DefaultPromptTemplate is the system prompt template used when the
// configuration does not provide one. The {{placeholders}} are filled
// per request by the chat client.
const DefaultPromptTemplate = `
You are a helpful assistant. Answer clearly and give the user concrete next steps.

{{custom_instruction}}

{{language_guidance}}

{{tool_guidance}}

Summarise important information as a list when it helps the user.
`

// Prompt fragment defaults.
const (
	DefaultToolGuidance = "You can use the following tools when they help answer the request:"

	DefaultFallbackGuidance = "If the request is outside what the available tools can do, say so politely and answer from general knowledge."

	DefaultJSONRetryMessage = "Your previous reply was not valid JSON. Reply again with exactly one JSON object, either {\"action\":\"call_tool\",\"tool\":\"...\",\"input\":{...}} or {\"action\":\"final\",\"response\":\"...\"}, without code fences or commentary."

	DefaultToolResultInstruction = "Use the tool result above to continue. Call another tool if needed, otherwise reply with {\"action\":\"final\",\"response\":\"...\"}."
)
