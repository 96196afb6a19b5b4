package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"AgentSwarm/sdk/go/swarm"
)

// 演示 SDK 的基本用法：准入一个 formatter 实例，同步执行任务，再异步提交并等待结果。
func main() {
	baseURL := os.Getenv("SWARM_URL")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	client, err := swarm.NewClient(baseURL, nil)
	if err != nil {
		log.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	inst, err := client.Admit(ctx, "formatter", "")
	if err != nil {
		log.Fatalf("admit: %v", err)
	}
	fmt.Printf("admitted %s (%s)\n", inst.ID, inst.State)

	task := swarm.Task{
		RequiredCapabilities: []string{"formatting"},
		Payload:              json.RawMessage(`{"document":"hello swarm"}`),
	}
	result, err := client.Run(ctx, task)
	if err != nil {
		log.Fatalf("run: %v", err)
	}
	for _, res := range result.Results {
		fmt.Printf("instance %s -> %s %s\n", res.InstanceID, string(res.Output), res.Error)
	}

	job, err := client.Enqueue(ctx, task)
	if err != nil {
		log.Fatalf("enqueue: %v", err)
	}
	job, err = client.WaitForJob(ctx, job.ID, 200*time.Millisecond)
	if err != nil {
		log.Fatalf("wait: %v", err)
	}
	fmt.Printf("job %s finished with status %s after %d attempt(s)\n", job.ID, job.Status, job.Attempts)
}
