// Package api exposes the REST interface: login and logout, the agent and
// task catalog, task run start, status updates and listing, and the audit
// trails. Routing uses chi; bodies are checked against embedded JSON Schemas.
package api
