// Package model invokes language models.
//
// A model is named by a spec of the form "provider:model", for example
// "openrouter:google/gemini-3-pro-preview" or "gemini:gemini-2.5-flash".
// Specs without a provider prefix belong to OpenRouter.
//
// [Provider] implementations speak one vendor API: [OpenAICompatible]
// covers OpenRouter and OpenAI, [Gemini] uses the Gemini API client. A
// [Registry] maps provider names to providers and [RegistryInvoker] turns
// a [Call] into a provider request with a per-call timeout, logging and an
// optional trace [Recorder].
package model
