// Package llm wraps the language model egress used by the dreaming workers
// for structured extraction. The client declares a JSON output schema in the
// prompt and retries on parse failure up to a small cap.
package llm
