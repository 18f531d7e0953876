package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"computeworker/pkg/model"
	"computeworker/pkg/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

func main() {
	// --- 1. 定义命令行参数 ---
	endpoints := flag.String("etcd", "localhost:2379", "Comma separated etcd endpoints")
	prefix := flag.String("prefix", store.DefaultPrefix, "Key prefix used by the workers")
	// 提交任务描述 (JSON 文件，缺少 id 时自动生成)
	jobFile := flag.String("submit", "", "Path to a job description JSON file to enqueue")
	// 同一个描述提交多份 (每份一个新 id)，用于压测
	copies := flag.Int("n", 1, "Number of copies to enqueue, each with a fresh id")
	submissionID := flag.String("getrun", "", "Print the run records of a submission")
	listNodes := flag.Bool("nodes", false, "List registered workers")

	flag.Parse()

	// --- 2. 连接 Etcd ---
	etcdStore, err := store.NewEtcdStore(strings.Split(*endpoints, ","), *prefix, zap.NewNop())
	if err != nil {
		log.Fatalf("❌ Failed to connect to etcd: %v", err)
	}
	defer etcdStore.Close()

	switch {
	case *submissionID != "":
		getRun(etcdStore, *submissionID)
	case *listNodes:
		printNodes(etcdStore)
	case *jobFile != "":
		submit(etcdStore, *jobFile, *copies)
	default:
		flag.Usage()
		os.Exit(2)
	}
}

func getRun(s store.Store, id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	records, err := s.RunRecords(ctx, id)
	if err != nil {
		log.Fatalf("❌ Failed to get run records: %v", err)
	}

	fmt.Printf("\n📄 Run records for submission [%s]:\n", id)
	for _, rec := range records {
		fmt.Println("================================================")
		fmt.Printf("Run:      %s\n", rec.RunID)
		fmt.Printf("Node:     %s\n", rec.NodeID)
		fmt.Printf("Status:   %s\n", rec.Status)
		if rec.Detail != "" {
			fmt.Printf("Detail:   %s\n", rec.Detail)
		}
		if rec.ErrorKind != "" {
			fmt.Printf("Error:    %s\n", rec.ErrorKind)
		}
		fmt.Printf("Duration: %v\n", rec.EndTime.Sub(rec.StartTime).Round(time.Millisecond))
		for name, v := range rec.Scores {
			fmt.Printf("Score:    %s = %g\n", name, v)
		}
	}
	fmt.Println("================================================")
}

func printNodes(s store.Store) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	nodes, err := s.ListNodes(ctx)
	if err != nil {
		log.Fatalf("❌ Failed to list nodes: %v", err)
	}
	if len(nodes) == 0 {
		fmt.Println("No workers registered.")
		return
	}
	for _, n := range nodes {
		seen := time.Unix(n.LastHeartbeat, 0)
		fmt.Printf("%-24s %-9s %d/%d busy  %-10s last seen %s ago\n",
			n.ID, n.Status, n.BusySlots, n.Slots, n.Version, time.Since(seen).Round(time.Second))
	}
}

func submit(s store.Store, path string, copies int) {
	raw, err := os.ReadFile(path)
	if err != nil {
		log.Fatalf("❌ Failed to read job file: %v", err)
	}
	var tmpl model.JobDescription
	if err := json.Unmarshal(raw, &tmpl); err != nil {
		log.Fatalf("❌ Invalid job description: %v", err)
	}

	if copies <= 1 {
		job := tmpl
		if job.ID == "" {
			job.ID = uuid.NewString()
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		runID, err := s.EnqueueJob(ctx, &job)
		if err != nil {
			log.Fatalf("❌ Failed to submit job %s: %v", job.ID, err)
		}
		fmt.Printf("✅ Job submitted! Submission: %s Run: %s\n", job.ID, runID)
		fmt.Println("💡 View the run record later with:")
		fmt.Printf("   worker-cli -getrun %s\n", job.ID)
		return
	}

	// --- 压测模式：并发提交 ---
	fmt.Printf("🚀 Enqueueing %d copies of %s...\n", copies, path)
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed int
	)
	start := time.Now()

	// 信号量，限制同时只有 50 个协程在提交
	sem := make(chan struct{}, 50)

	for i := 0; i < copies; i++ {
		sem <- struct{}{}
		wg.Add(1)
		go func(i int) {
			defer func() {
				<-sem
				wg.Done()
			}()

			job := tmpl
			job.ID = uuid.NewString()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			if _, err := s.EnqueueJob(ctx, &job); err != nil {
				fmt.Printf("❌ Failed to submit job %s: %v\n", job.ID, err)
				mu.Lock()
				failed++
				mu.Unlock()
			} else if i%50 == 0 {
				fmt.Printf("-> Submitted batch around index %d...\n", i)
			}
		}(i)
	}

	wg.Wait()
	duration := time.Since(start)
	fmt.Printf("\n✅ Finished! %d submitted, %d failed in %v (%.2f jobs/s)\n",
		copies-failed, failed, duration, float64(copies)/duration.Seconds())
}
