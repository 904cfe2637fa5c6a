package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/loqalabs/loqa-coach/internal/bus"
	"github.com/loqalabs/loqa-coach/internal/coaching"
	"github.com/loqalabs/loqa-coach/internal/config"
	"github.com/loqalabs/loqa-coach/internal/store"
	"github.com/nats-io/nats.go"
)

var version = "0.1.0-dev"

const usage = "expected one of: history, resources, add-resource, events, validate, version"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "history":
		err = runHistory(ctx, os.Args[2:], os.Stdout)
	case "resources":
		err = runResources(ctx, os.Args[2:], os.Stdout)
	case "add-resource":
		err = runAddResource(ctx, os.Args[2:], os.Stdout)
	case "events":
		err = runEvents(ctx, os.Args[2:], os.Stdout)
	case "validate":
		err = runValidate(os.Args[2:], os.Stdout)
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n%s\n", os.Args[1], usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// library opens the configured store without starting the rest of the
// runtime. A jetstream store connects to the configured bus servers.
type library struct {
	*store.Library
	kv  store.KV
	bus *bus.Client
}

func openLibrary(ctx context.Context, configPath string) (*library, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	out := &library{}
	var js nats.JetStreamContext
	if cfg.Store.Backend == "jetstream" {
		busCfg := cfg.Bus
		busCfg.Embedded = false
		out.bus, err = bus.Connect(ctx, busCfg, log)
		if err != nil {
			return nil, err
		}
		js = out.bus.JetStream()
	}

	out.kv, err = store.Open(ctx, cfg.Store, js, log)
	if err != nil {
		out.Close()
		return nil, err
	}
	out.Library = store.NewLibrary(out.kv, log)
	if err := out.Load(ctx); err != nil {
		out.Close()
		return nil, err
	}
	return out, nil
}

func (l *library) Close() {
	if l.kv != nil {
		_ = l.kv.Close()
	}
	if l.bus != nil {
		l.bus.Close()
	}
}

func newFlagSet(name string) (*flag.FlagSet, *string, *bool) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	configPath := fs.String("config", "coach.yaml", "Path to configuration file")
	asJSON := fs.Bool("json", false, "Print JSON instead of a table")
	return fs, configPath, asJSON
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runHistory(ctx context.Context, args []string, w io.Writer) error {
	fs, configPath, asJSON := newFlagSet("history")
	_ = fs.Parse(args)

	lib, err := openLibrary(ctx, *configPath)
	if err != nil {
		return err
	}
	defer lib.Close()

	history := lib.History()
	if *asJSON {
		return printJSON(w, history)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tDATE\tMOOD\tTURNS\tACTIONS")
	for _, s := range history {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\n",
			s.ID, s.Date.Local().Format(time.DateTime), moodShift(s.PreMood, s.PostMood), len(s.Transcript), len(s.ActionItems))
	}
	return tw.Flush()
}

func moodShift(pre, post coaching.Mood) string {
	if pre == "" {
		pre = "-"
	}
	return fmt.Sprintf("%s -> %s", pre, post)
}

func runResources(ctx context.Context, args []string, w io.Writer) error {
	fs, configPath, asJSON := newFlagSet("resources")
	_ = fs.Parse(args)

	lib, err := openLibrary(ctx, *configPath)
	if err != nil {
		return err
	}
	defer lib.Close()

	resources := lib.Resources()
	if *asJSON {
		return printJSON(w, resources)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TYPE\tCATEGORY\tTITLE\tURL")
	for _, r := range resources {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.Type, r.Category, r.Title, r.URL)
	}
	return tw.Flush()
}

func runAddResource(ctx context.Context, args []string, w io.Writer) error {
	fs, configPath, _ := newFlagSet("add-resource")
	title := fs.String("title", "", "Resource title")
	url := fs.String("url", "", "Resource link")
	kind := fs.String("type", "Link", "Article, Video, Link or Document")
	category := fs.String("category", "", "Category")
	description := fs.String("description", "", "Short description")
	_ = fs.Parse(args)

	resourceType, err := coaching.ParseResourceType(*kind)
	if err != nil {
		return err
	}
	res := coaching.Resource{
		Title:       strings.TrimSpace(*title),
		Description: strings.TrimSpace(*description),
		Type:        resourceType,
		URL:         strings.TrimSpace(*url),
		Category:    strings.TrimSpace(*category),
	}
	if err := res.Validate(); err != nil {
		return err
	}

	lib, err := openLibrary(ctx, *configPath)
	if err != nil {
		return err
	}
	defer lib.Close()

	saved, err := lib.AddResource(ctx, res)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "added %s\n", saved.ID)
	return nil
}

func runEvents(ctx context.Context, args []string, w io.Writer) error {
	fs, configPath, asJSON := newFlagSet("events")
	limit := fs.Int("limit", 100, "Maximum number of events")
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		return errors.New("usage: coachctl events [flags] <session-id>")
	}

	lib, err := openLibrary(ctx, *configPath)
	if err != nil {
		return err
	}
	defer lib.Close()

	timeline, ok := lib.kv.(store.Timeline)
	if !ok {
		return errors.New("session events require the sqlite store")
	}
	events, err := timeline.ListSessionEvents(ctx, fs.Arg(0), *limit)
	if err != nil {
		return err
	}
	if *asJSON {
		type event struct {
			Type      string          `json:"type"`
			Payload   json.RawMessage `json:"payload,omitempty"`
			CreatedAt time.Time       `json:"createdAt"`
		}
		out := make([]event, 0, len(events))
		for _, evt := range events {
			out = append(out, event{Type: evt.Type, Payload: evt.Payload, CreatedAt: evt.CreatedAt})
		}
		return printJSON(w, out)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tTYPE\tPAYLOAD")
	for _, evt := range events {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", evt.CreatedAt.Local().Format(time.TimeOnly), evt.Type, evt.Payload)
	}
	return tw.Flush()
}

func runValidate(args []string, w io.Writer) error {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	configPath := fs.String("config", "coach.yaml", "Path to configuration file")
	_ = fs.Parse(args)

	// Load applies env overrides and validates.
	if _, err := config.Load(*configPath); err != nil {
		return err
	}
	fmt.Fprintln(w, "config valid")
	return nil
}
