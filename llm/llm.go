// Package llm provides Summarizer implementations backed by hosted
// model providers. The compression engine is the only consumer; it
// sends one prompt and expects plain text back, so the adapters here
// are deliberately thin.
//
// Supported providers:
//   - OpenAI (GPT models)
//   - Amazon Bedrock (Claude, Llama, Mistral, Titan via the Converse API)
//   - Google Gemini
//   - Static (canned responses for tests)
//
// All adapters honor the context deadline; the compression engine sets
// one from its configured timeout before calling.
package llm
