// Package llm contains the contract for invoking large language models. The
// orchestrator uses it to decompose tasks into capability-tagged subtasks and
// the hiring manager uses it to judge whether a returned result is acceptable.
package llm
