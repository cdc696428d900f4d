// Package mock provides mock implementations of the coordinator's external
// collaborator interfaces for testing.
//
// Executor implements coord.AgentExecutor and Analyzer implements
// coord.RequirementAnalyzer. Both allow configuring behavior via function
// fields and track call counts, so tests can simulate agent executions
// without a real backend.
package mock
