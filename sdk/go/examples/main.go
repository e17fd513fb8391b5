package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"AgentMarket/sdk/go/market"
)

func main() {
	addr := flag.String("addr", "http://127.0.0.1:8080", "client agent API address")
	task := flag.String("task", "get_weather", "task type")
	location := flag.String("location", "London", "weather location")
	flag.Parse()

	client, err := market.NewClient(*addr, nil)
	if err != nil {
		panic(err)
	}
	client.SetAccessToken(os.Getenv("AGENTMARKET_API_TOKEN"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	accepted, err := client.RequestTask(ctx, market.TaskRequest{
		Task:    *task,
		Payload: map[string]any{"location": *location},
	})
	if err != nil {
		panic(err)
	}
	fmt.Printf("quote requested from %s (correlation=%s)\n", accepted.Tool, accepted.CorrelationID)

	// 作业 ID 由工具方分配，这里轮询最新一条客户端作业。
	var jobID string
	for jobID == "" {
		jobs, err := client.ListJobs(ctx, market.ListOptions{Role: "tool", Participant: accepted.Tool, Limit: 1, Order: "created_desc"})
		if err != nil {
			panic(err)
		}
		if len(jobs) > 0 {
			jobID = jobs[0].ID
			break
		}
		select {
		case <-ctx.Done():
			panic(ctx.Err())
		case <-time.After(500 * time.Millisecond):
		}
	}

	j, err := client.WaitForJob(ctx, jobID, time.Second)
	if err != nil {
		panic(err)
	}
	fmt.Printf("job %s finished with status=%s payment=%s\n", j.ID, j.Status, j.PaymentTxHash)
	if j.Receipt != nil {
		fmt.Printf("output: %s\n", j.Receipt.OutputRef)
	}
}
