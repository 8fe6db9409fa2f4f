// Package model defines the provider-agnostic abstractions for calling
// language models from inside agent tools.
//
// Core goals:
//   - Unify streaming and non-streaming generation behind a single interface
//   - Keep request/response shapes minimal and transport independent
//   - Make sampling explicit (temperature, seed) so generative tool calls can
//     be pinned for reproducibility
//   - Facilitate lightweight mocking for tests (MockModel)
//
// Providers (OpenAI, Anthropic) implement Model in sub-packages. Models are
// never called by the planner; the tool package exposes them as MODEL
// protocol tools whose results are recorded like any other tool call.
package model
