// Command agentdash runs the live observability snapshot synchronizer
// against its configured collaborators and prints a one-line summary per
// refresh interval. Rendering beyond these console lines belongs to the
// dashboard layer, not this binary.
package main

import (
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"agentdash/collab"
	"agentdash/config"
	"agentdash/eventfeed"
	"agentdash/syncer"
	"agentdash/tracestore"
	"agentdash/violationstore"
)

func main() {
	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}
	cfg, err := loadConfig(cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logCloser, err := setupLogging(cfg.Logging)
	if err != nil {
		log.Fatalf("logging: %v", err)
	}
	defer logCloser.Close()

	traces, err := tracestore.Open(cfg.Traces.Path)
	if err != nil {
		log.Fatalf("trace store: %v", err)
	}
	defer traces.Close()

	violations, err := violationstore.Open(cfg.Violations.Path, cfg.Violations.CacheBytes)
	if err != nil {
		log.Fatalf("violation store: %v", err)
	}
	defer violations.Close()

	var events collab.EventSource
	var feed *eventfeed.Feed
	if cfg.Feed.Enabled {
		feed = eventfeed.NewFeed(eventfeed.FeedOptions{
			Broker:       cfg.Feed.Broker,
			Port:         cfg.Feed.Port,
			TopicPrefix:  cfg.Feed.TopicPrefix,
			DedupeWindow: time.Duration(cfg.Feed.DedupeWindowSeconds) * time.Second,
		})
		if err := feed.Connect(); err != nil {
			// Polling still works without the push stream.
			log.Printf("event feed unavailable, starting polling-only: %v", err)
		}
		events = feed
		defer feed.Stop()
	}

	s := syncer.New(syncer.Collaborators{
		Traces: traces,
		Costs:  traces,
		SLA:    violations,
		Policy: violations,
		Events: events,
	}, syncer.Options{
		RefreshInterval:     cfg.Interval(),
		CollaboratorTimeout: cfg.CollaboratorTimeout(),
		WindowTag:           cfg.Tag(),
		TraceCap:            cfg.Refresh.TraceCap,
		ViolationCap:        cfg.Refresh.ViolationCap,
		TopN:                cfg.Refresh.TopN,
	})
	s.Start()
	defer s.Stop()

	quit := make(chan struct{})
	go consoleLoop(s, cfg.Interval(), quit)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	close(quit)
	log.Printf("shutting down")
}

// loadConfig treats a missing file as "run with defaults" so the binary can
// start in an empty working directory.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		cfg = &config.Config{}
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	return nil, err
}

func consoleLoop(s *syncer.Syncer, interval time.Duration, quit chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			log.Print(statsLine(s))
		case <-quit:
			return
		}
	}
}

func statsLine(s *syncer.Syncer) string {
	st := s.CurrentStats()
	snap := s.CurrentSnapshot()

	var b strings.Builder
	fmt.Fprintf(&b, "window=%s traces=%s (%d active) cost=$%s sla=%d policy=%d seq=%d",
		st.Window.Span(),
		humanize.Comma(int64(st.TraceCount)), st.ActiveTraces,
		humanize.CommafWithDigits(st.TotalCost, 4),
		st.ActiveSLAViolations, st.ActivePolicyViolations, st.Seq)

	if stale := staleFields(snap); len(stale) > 0 {
		fmt.Fprintf(&b, " [stale: %s]", strings.Join(stale, ","))
	}
	if s.PollingOnly() {
		b.WriteString(" [poll-only]")
	}
	return b.String()
}

func staleFields(snap syncer.Snapshot) []string {
	var out []string
	if snap.Health.Traces.Stale {
		out = append(out, "traces")
	}
	if snap.Health.Cost.Stale {
		out = append(out, "cost")
	}
	if snap.Health.SLA.Stale {
		out = append(out, "sla")
	}
	if snap.Health.Policy.Stale {
		out = append(out, "policy")
	}
	return out
}
