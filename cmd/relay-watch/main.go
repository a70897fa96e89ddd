// relay-watch is an interactive monitor for the realtime core: it drives the
// session coordinator against a live backend and tails bus topics from a
// readline prompt.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/chzyer/readline"
	"golang.org/x/oauth2"

	"github.com/brightclass/relay/pkg/bus"
	"github.com/brightclass/relay/pkg/config"
	"github.com/brightclass/relay/pkg/conn"
	"github.com/brightclass/relay/pkg/diag"
	"github.com/brightclass/relay/pkg/events"
	"github.com/brightclass/relay/pkg/logger"
	"github.com/brightclass/relay/pkg/session"
	"github.com/brightclass/relay/pkg/subs"
)

func main() {
	configPath := flag.String("config", "", "path to relay config yaml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	logger.Init(cfg.Log.Level, os.Stderr)

	var tokens oauth2.TokenSource
	if access := os.Getenv("RELAY_ACCESS_TOKEN"); access != "" {
		tokens = oauth2.StaticTokenSource(&oauth2.Token{AccessToken: access})
	}

	b := bus.New()
	defer b.Close()

	dialer := conn.NewWSDialer()
	dialer.SetReadLimit(cfg.Realtime.ReadLimitBytes)
	supervisor := conn.NewSupervisor(b, conn.Options{
		URL:       cfg.Realtime.URL,
		Dialer:    dialer,
		Tokens:    tokens,
		Keepalive: cfg.Keepalive(),
	})
	defer supervisor.CloseAll()

	authorizer := subs.NewHTTPAuthorizer(cfg.API.BaseURL+cfg.API.ChannelAuthPath, cfg.APITimeout(), tokens)
	binder := subs.NewWSBinder(cfg.Realtime.ChannelURL, authorizer)
	defer binder.Close()
	lister := subs.NewHTTPLister(cfg.API.BaseURL, cfg.API.PageSize, cfg.APITimeout(), tokens)
	orch := subs.NewOrchestrator(b, binder, lister)

	coord := session.NewCoordinator(b, supervisor, orch, session.DefaultRetryPolicy())
	coord.Start()
	defer coord.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var journal *diag.Journal
	if cfg.Diag.JournalPath != "" {
		journal, err = diag.OpenJournal(cfg.Diag.JournalPath, b)
		if err != nil {
			fmt.Fprintln(os.Stderr, "journal:", err)
			os.Exit(1)
		}
		defer journal.Close()
	}
	if cfg.Diag.StatsSchedule != "" {
		reporter, err := diag.NewStatsReporter(b, journal, cfg.Diag.StatsSchedule)
		if err != nil {
			fmt.Fprintln(os.Stderr, "stats:", err)
			os.Exit(1)
		}
		go reporter.Run(ctx)
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:      "relay> ",
		HistoryFile: os.TempDir() + "/relay-watch.history",
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "readline:", err)
		os.Exit(1)
	}
	defer rl.Close()

	watches := make(map[string]bus.Token)
	defer func() {
		for _, tok := range watches {
			b.Unsubscribe(tok)
		}
	}()

	fmt.Println("relay-watch — type 'help' for commands")
	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err == io.EOF {
			return
		}
		args := strings.Fields(strings.TrimSpace(line))
		if len(args) == 0 {
			continue
		}

		switch args[0] {
		case "help":
			printHelp()
		case "login":
			if len(args) != 3 {
				fmt.Println("usage: login <user_id> <workspace_id>")
				continue
			}
			coord.Apply(ctx, session.AuthState{Authenticated: true, UserID: args[1], WorkspaceID: args[2]})
		case "switch":
			if len(args) != 3 {
				fmt.Println("usage: switch <user_id> <workspace_id>")
				continue
			}
			coord.Apply(ctx, session.AuthState{Authenticated: true, UserID: args[1], WorkspaceID: args[2]})
		case "logout":
			coord.Apply(ctx, session.AuthState{})
		case "watch":
			if len(args) != 2 {
				fmt.Println("usage: watch <topic>")
				continue
			}
			topic := args[1]
			if _, ok := watches[topic]; ok {
				fmt.Println("already watching", topic)
				continue
			}
			watches[topic] = b.Subscribe(topic, func(evt events.Envelope) {
				data, _ := json.Marshal(evt.Data)
				fmt.Printf("[%s] %s %s %s\n", topic, evt.Timestamp.Format("15:04:05.000"), evt.Type, data)
			})
			fmt.Println("watching", topic)
		case "unwatch":
			if len(args) != 2 {
				fmt.Println("usage: unwatch <topic>")
				continue
			}
			if tok, ok := watches[args[1]]; ok {
				b.Unsubscribe(tok)
				delete(watches, args[1])
			}
		case "status":
			published, dropped, subscribers := b.Stats()
			fmt.Printf("bus: published=%d dropped=%d subscribers=%d\n", published, dropped, subscribers)
			fmt.Printf("channels: %s\n", strings.Join(orch.Current(), ", "))
			if journal != nil {
				if n, err := journal.Count(); err == nil {
					fmt.Printf("journal: %d unrecognized frames\n", n)
				}
			}
		case "recent":
			if journal == nil {
				fmt.Println("journal disabled")
				continue
			}
			entries, err := journal.Recent(10)
			if err != nil {
				fmt.Println("journal:", err)
				continue
			}
			for _, e := range entries {
				fmt.Printf("%s %s/%s: %s\n", e.ReceivedAt, e.Channel, e.Event, e.Reason)
			}
		case "quit", "exit":
			return
		default:
			fmt.Println("unknown command:", args[0])
		}
	}
}

func printHelp() {
	fmt.Print(`commands:
  login <user_id> <workspace_id>   start the realtime session
  switch <user_id> <workspace_id>  switch workspace (reconciles channels)
  logout                           full teardown
  watch <topic>                    print envelopes published on a topic
  unwatch <topic>                  stop printing a topic
  status                           bus, channel, and journal counters
  recent                           last journaled unrecognized frames
  quit
topics: ` + strings.Join([]string{
		events.TopicMessage, events.TopicTyping, events.TopicPresence,
		events.TopicUnrecognized, events.TopicConnection,
	}, ", ") + "\n")
}
