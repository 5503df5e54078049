// Command worker runs the orchestration worker: it polls the Temporal task
// queue for workflow executions, hosts the node activities, and serves the
// WebSocket fan-out endpoint for live execution events.
//
// Configuration is taken from flags with environment fallbacks:
//
//	TEMPORAL_ADDRESS   Temporal frontend (default localhost:7233)
//	TEMPORAL_NAMESPACE Temporal namespace (default "default")
//	TASK_QUEUE         task queue name (default loom-orchestration)
//	REDIS_ADDR         Redis address for the event fabric (default localhost:6379)
//	DATABASE_URL       Postgres DSN; when empty state is kept in memory
//	OPENAI_API_KEY     enables agent and llm_judge nodes
//	SLACK_WEBHOOK_URL  enables Slack approval notifications
//	FANOUT_ADDR        WebSocket listen address (default :8081)
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.temporal.io/sdk/client"
	"goa.design/clue/log"

	"github.com/loomworks/loom/features/fanout"
	"github.com/loomworks/loom/features/model/openai"
	"github.com/loomworks/loom/features/notify/slack"
	"github.com/loomworks/loom/features/store/postgres"
	redisbus "github.com/loomworks/loom/features/stream/redis"
	"github.com/loomworks/loom/runtime/activities"
	"github.com/loomworks/loom/runtime/compensation"
	"github.com/loomworks/loom/runtime/healing"
	"github.com/loomworks/loom/runtime/model"
	"github.com/loomworks/loom/runtime/store"
	"github.com/loomworks/loom/runtime/store/inmem"
	"github.com/loomworks/loom/runtime/worker"

	"github.com/jackc/pgx/v5/pgxpool"
)

func main() {
	var (
		temporalF  = flag.String("temporal", envOr("TEMPORAL_ADDRESS", "localhost:7233"), "Temporal frontend address")
		namespaceF = flag.String("namespace", envOr("TEMPORAL_NAMESPACE", "default"), "Temporal namespace")
		queueF     = flag.String("task-queue", envOr("TASK_QUEUE", worker.DefaultTaskQueue), "task queue name")
		redisF     = flag.String("redis", envOr("REDIS_ADDR", "localhost:6379"), "Redis address")
		dbF        = flag.String("database-url", os.Getenv("DATABASE_URL"), "Postgres DSN (empty: in-memory state)")
		fanoutF    = flag.String("fanout-addr", envOr("FANOUT_ADDR", ":8081"), "WebSocket listen address")
		dbgF       = flag.Bool("debug", false, "enable debug logs")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
	}

	// Event fabric.
	rdb := redis.NewClient(&redis.Options{Addr: *redisF})
	bus, err := redisbus.New(redisbus.Options{Client: rdb})
	if err != nil {
		log.Fatalf(ctx, err, "event bus")
	}

	// State stores: Postgres when configured, in-memory otherwise.
	var (
		executions store.Executions
		approvals  store.Approvals
		events     store.EventLog
		compLog    store.CompensationLog
		scores     store.AgentScores
	)
	if *dbF != "" {
		pool, perr := pgxpool.New(ctx, *dbF)
		if perr != nil {
			log.Fatalf(ctx, perr, "postgres pool")
		}
		defer pool.Close()
		if perr := postgres.EnsureSchema(ctx, pool); perr != nil {
			log.Fatalf(ctx, perr, "postgres schema")
		}
		st := postgres.New(pool)
		executions, approvals, events = st.Executions(), st.Approvals(), st.Events()
		compLog, scores = st.Compensations(), st.Scores()
		log.Printf(ctx, "state: postgres")
	} else {
		st := inmem.New()
		executions, approvals, events = st, st.Approvals(), st.Events()
		compLog, scores = st.Compensations(), st.Scores()
		log.Printf(ctx, "state: in-memory (set DATABASE_URL for durability)")
	}

	// Model provider, optional until an agent node needs it.
	var provider model.Provider
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		provider, err = openai.NewFromAPIKey(key, "")
		if err != nil {
			log.Fatalf(ctx, err, "openai provider")
		}
	} else {
		log.Printf(ctx, "OPENAI_API_KEY unset: agent and llm_judge nodes will fail")
	}

	// Optional Slack channel for approval requests.
	var notifier activities.Notifier
	if url := os.Getenv("SLACK_WEBHOOK_URL"); url != "" {
		n, nerr := slack.New(slack.Options{WebhookURL: url})
		if nerr != nil {
			log.Fatalf(ctx, nerr, "slack notifier")
		}
		notifier = n
	}

	acts := activities.New(activities.Options{
		Provider:   provider,
		Bus:        bus,
		Executions: executions,
		Approvals:  approvals,
		Events:     events,
		Healing:    healing.New(scores),
		Compensator: compensation.New(compensation.Options{
			Log: compLog,
			Bus: bus,
		}),
		Notifier: notifier,
	})

	engine, err := worker.New(worker.Options{
		ClientOptions: &client.Options{
			HostPort:  *temporalF,
			Namespace: *namespaceF,
		},
		TaskQueue:  *queueF,
		Activities: acts,
		Approvals:  approvals,
	})
	if err != nil {
		log.Fatalf(ctx, err, "worker")
	}
	defer engine.Close()

	// WebSocket fan-out for dashboards.
	hub := fanout.NewHub(bus)
	mux := http.NewServeMux()
	mux.Handle("/ws", hub.Handler())
	srv := &http.Server{Addr: *fanoutF, Handler: mux}
	go func() {
		log.Printf(ctx, "fanout: listening on %s", *fanoutF)
		if serr := srv.ListenAndServe(); serr != nil && serr != http.ErrServerClosed {
			log.Errorf(ctx, serr, "fanout server")
		}
	}()

	interrupt := make(chan interface{})
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		sig := <-c
		log.Printf(ctx, "exiting (%v)", sig)
		close(interrupt)
	}()

	log.Print(ctx, log.KV{K: "task-queue", V: *queueF}, log.KV{K: "temporal", V: *temporalF})
	if err := engine.Run(interrupt); err != nil {
		log.Fatalf(ctx, err, "worker run")
	}
	_ = srv.Shutdown(context.Background())
	fmt.Fprintln(os.Stderr, "exited")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
