package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/opspawn/agentos/sdk/go/agentos"
)

// 向运行中的 agentosd 提交一个任务并等待结果。
func main() {
	baseURL := os.Getenv("AGENTOS_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	client, err := agentos.NewClient(baseURL, nil)
	if err != nil {
		log.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	agents, err := client.ListAgents(ctx, "")
	if err != nil {
		log.Fatal(err)
	}
	for _, a := range agents {
		fmt.Printf("agent %s capabilities=%v price=%s reputation=%.2f\n", a.ID, a.Capabilities, a.Price, a.Reputation)
	}

	created, err := client.SubmitTask(ctx, agentos.TaskSubmission{
		Description: "调研三家竞品的定价并给出建议",
		Budget:      "2",
	})
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("submitted task %s\n", created.ID)

	done, err := client.WaitTask(ctx, created.ID, time.Second)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("task %s finished with status %s\n", done.ID, done.Status)
	if done.Result != nil {
		fmt.Printf("spent %s USDC\n%s\n", done.Result.Spent, done.Result.Output)
	}

	budget, err := client.GetBudget(ctx, created.ID)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("budget allocated=%s spent=%s headroom=%s\n", budget.Allocated, budget.Spent, budget.Headroom)
}
