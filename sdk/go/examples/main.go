// Command examples walks through a run lifecycle against a live trased.
//
//	TRASE_URL=http://localhost:8080 go run ./sdk/go/examples
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"trase-agent/sdk/go/trase"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	baseURL := os.Getenv("TRASE_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	client, err := trase.NewClient(baseURL, nil)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := client.Login(ctx, trase.Credentials{Username: "admin", Password: "admin123!"}); err != nil {
		return fmt.Errorf("login: %w", err)
	}
	defer func() { _ = client.Logout(context.Background()) }()

	agent, err := client.CreateAgent(ctx, trase.AgentInput{
		Name:        "demo-" + uuid.NewString()[:8],
		Description: "example agent",
	})
	if err != nil {
		return fmt.Errorf("create agent: %w", err)
	}
	task, err := client.CreateTask(ctx, trase.TaskInput{
		Title:             "demo task",
		Description:       "created by the sdk example",
		SupportedAgentIDs: []int64{agent.ID},
	})
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}

	key := uuid.NewString()
	started, err := client.StartRun(ctx, task.ID, agent.ID, key)
	if err != nil {
		return fmt.Errorf("start run: %w", err)
	}
	fmt.Printf("started run %d (status=%s)\n", started.ID, started.Status)

	replay, err := client.StartRun(ctx, task.ID, agent.ID, key)
	if err != nil {
		return fmt.Errorf("replay start: %w", err)
	}
	fmt.Printf("replayed key %s -> run %d\n", key, replay.ID)

	done, err := client.UpdateRunStatus(ctx, started.ID, trase.StatusCompleted)
	if err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	fmt.Printf("run %d is %s at %s\n", done.ID, done.Status, done.CompletedAt.Format(time.RFC3339))
	return nil
}
