// Command demo runs an in-process queue against the memory store and shows
// snapshot recovery across restarts.
//
//	go run ./cmd/demo start     # submit a burst of tasks, Ctrl+C mid-flight
//	go run ./cmd/demo recover   # reload the snapshot and finish the backlog
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ChuLiYu/beaver-queue/internal/config"
	"github.com/ChuLiYu/beaver-queue/internal/controller"
	"github.com/ChuLiYu/beaver-queue/pkg/types"
)

const snapshotPath = "data/demo-snapshot.json"

var demoTypes = []types.TaskType{
	types.TypeEmail, types.TypeSMS, types.TypeReport, types.TypeNewsletter,
	types.TypeDataCleanup, types.TypeFail, types.TypeFailAbs, types.TypeDefault,
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: go run ./cmd/demo <start|recover>")
		os.Exit(1)
	}
	mode := os.Args[1]

	cfg := demoConfig()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctrl, err := controller.Build(ctx, cfg, nil, logger)
	if err != nil {
		log.Fatalf("Failed to create controller: %v", err)
	}
	if err := ctrl.Start(ctx); err != nil {
		log.Fatalf("Failed to start controller: %v", err)
	}
	fmt.Printf("✓ Controller started (mode: %s)\n", mode)

	switch mode {
	case "start":
		runStart(ctx, ctrl)
	case "recover":
		runRecover(ctx, ctrl)
	default:
		fmt.Printf("unknown mode %q\n", mode)
	}

	<-ctx.Done()
	fmt.Println("\n\nReceived shutdown signal, stopping gracefully...")
	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ctrl.Stop(stopCtx); err != nil {
		fmt.Printf("stop: %v\n", err)
	}
	fmt.Println("✓ Controller stopped, snapshot written to", snapshotPath)
}

func demoConfig() *config.Config {
	cfg := config.Default()
	cfg.Worker.Count = 8
	cfg.Worker.ShutdownGrace = 2 * time.Second
	cfg.Lock.Driver = "memory"
	cfg.Cache.Enabled = false
	cfg.Store.Driver = "memory"
	cfg.Snapshot.Path = snapshotPath
	cfg.Snapshot.Schedule = "@every 1s"
	cfg.Retry.Base = 200 * time.Millisecond
	cfg.Metrics.Enabled = false

	h := &cfg.Handlers
	h.Default, h.Email, h.SMS = 50*time.Millisecond, 50*time.Millisecond, 20*time.Millisecond
	h.Report, h.Newsletter, h.DataCleanup = 100*time.Millisecond, 80*time.Millisecond, 80*time.Millisecond
	h.Fail, h.FailSuccess, h.FailAbsolute = 30*time.Millisecond, 30*time.Millisecond, 30*time.Millisecond
	return cfg
}

func runStart(ctx context.Context, ctrl *controller.Controller) {
	st, err := ctrl.GetStatus(ctx)
	if err != nil {
		log.Fatalf("status: %v", err)
	}
	if total(st.Counts) > 0 {
		fmt.Printf("\n⚠️  Found %d tasks from a previous run\n", total(st.Counts))
		printCounts("Current Status (after recovery)", st)
		fmt.Printf("   Delete %s to restart fresh\n", snapshotPath)
		return
	}

	const n = 400
	for i := 0; i < n; i++ {
		if _, err := ctrl.CreateTask(ctx, types.NewTask{
			Payload: fmt.Sprintf("demo-%03d", i),
			Type:    demoTypes[i%len(demoTypes)],
		}); err != nil {
			log.Fatalf("Failed to create task: %v", err)
		}
	}
	fmt.Printf("✓ Submitted %d tasks\n", n)
	fmt.Printf("💡 Press Ctrl+C within ~2 seconds to stop with work still queued\n\n")

	for i := 0; i < 20; i++ {
		select {
		case <-ctx.Done():
			return
		case <-time.After(100 * time.Millisecond):
		}
		st, err := ctrl.GetStatus(ctx)
		if err != nil {
			continue
		}
		fmt.Printf("📊 QUEUED=%d INPROGRESS=%d COMPLETED=%d FAILED=%d workers=%+v\n",
			st.Counts[types.StatusQueued], st.Counts[types.StatusInProgress],
			st.Counts[types.StatusCompleted], st.Counts[types.StatusFailed], st.Workers)
	}
	if st, err := ctrl.GetStatus(ctx); err == nil {
		printCounts("Status Snapshot (after 2 seconds)", st)
	}
}

func runRecover(ctx context.Context, ctrl *controller.Controller) {
	if st, err := ctrl.GetStatus(ctx); err == nil {
		printCounts("Immediate Status After Recovery", st)
	}

	fmt.Printf("\n⏳ Waiting 2 seconds for tasks to process...\n")
	select {
	case <-ctx.Done():
		return
	case <-time.After(2 * time.Second):
	}

	if st, err := ctrl.GetStatus(ctx); err == nil {
		printCounts("Final Status (after processing)", st)
	}
	fmt.Println("\nRecent events:")
	for i, e := range ctrl.RecentEvents() {
		if i == 10 {
			break
		}
		fmt.Println("  " + e)
	}
}

func total(counts map[types.TaskStatus]int) int {
	n := 0
	for _, c := range counts {
		n += c
	}
	return n
}

func printCounts(title string, st controller.Status) {
	fmt.Printf("\n📊 %s:\n", title)
	for _, s := range types.AllStatuses {
		fmt.Printf("  %-11s %d\n", s+":", st.Counts[s])
	}
	fmt.Printf("  ─────────────────\n")
	fmt.Printf("  Total:      %d\n", total(st.Counts))
	fmt.Printf("  Pending retries: %d\n", st.PendingRetries)
}
