package memory

import (
	"strings"
	"time"

	"trase-agent/internal/audit"
	"trase-agent/internal/catalog"
	"trase-agent/internal/taskrun"
)

func compareInt(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func compareTime(a, b time.Time) int {
	return a.Compare(b)
}

// compareOptionalTime orders nil before every value, like SQL NULLs.
func compareOptionalTime(a, b *time.Time) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	default:
		return a.Compare(*b)
	}
}

func agentLess(field string) func(a, b *catalog.Agent) int {
	switch field {
	case "name":
		return func(a, b *catalog.Agent) int { return strings.Compare(a.Name, b.Name) }
	case "createdAt":
		return func(a, b *catalog.Agent) int { return compareTime(a.CreatedAt, b.CreatedAt) }
	case "updatedAt":
		return func(a, b *catalog.Agent) int { return compareTime(a.UpdatedAt, b.UpdatedAt) }
	default:
		return nil
	}
}

func taskLess(field string) func(a, b *catalog.Task) int {
	switch field {
	case "title":
		return func(a, b *catalog.Task) int { return strings.Compare(a.Title, b.Title) }
	case "createdAt":
		return func(a, b *catalog.Task) int { return compareTime(a.CreatedAt, b.CreatedAt) }
	case "updatedAt":
		return func(a, b *catalog.Task) int { return compareTime(a.UpdatedAt, b.UpdatedAt) }
	default:
		return nil
	}
}

func runLess(field string) func(a, b *taskrun.Run) int {
	switch field {
	case "taskId":
		return func(a, b *taskrun.Run) int { return compareInt(a.TaskID, b.TaskID) }
	case "agentId":
		return func(a, b *taskrun.Run) int { return compareInt(a.AgentID, b.AgentID) }
	case "status":
		return func(a, b *taskrun.Run) int { return strings.Compare(string(a.Status), string(b.Status)) }
	case "startedAt":
		return func(a, b *taskrun.Run) int { return compareTime(a.StartedAt, b.StartedAt) }
	case "completedAt":
		return func(a, b *taskrun.Run) int { return compareOptionalTime(a.CompletedAt, b.CompletedAt) }
	default:
		return nil
	}
}

func auditLess(field string) func(a, b *audit.Record) int {
	if field == "occurredAt" {
		return func(a, b *audit.Record) int { return compareTime(a.OccurredAt, b.OccurredAt) }
	}
	return nil
}
