// Command learnctl is a headless learning client: it records lesson progress
// locally, syncs it with the server and walks review sessions.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"github.com/example/microlearn/internal/app"
	"github.com/example/microlearn/internal/config"
	"github.com/example/microlearn/internal/logger"
	"github.com/example/microlearn/internal/progresssync"
	"github.com/example/microlearn/pkg/models"
)

const usage = `usage: learnctl <command> [flags] [args]

commands:
  seen <lesson_id>              mark a lesson as opened
  complete [-undo] <lesson_id>  mark a lesson done (or not done)
  time <lesson_id> <ms>         add reading time
  show [lesson_id]              print the local record
  pending                       list lessons waiting for sync
  sync                          push pending lessons and pull the server state
  next [filter flags]           print the next card to review
  rate [filter flags] <card_id> <know|medium|again>
`

func main() {
	cfg := config.LoadClient()

	log, err := logger.New(cfg.LogMode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	a, err := app.New(cfg, log)
	if err != nil {
		log.Fatal("Failed to start client", "error", err)
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, a, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "learnctl:", err)
		a.Close()
		os.Exit(1)
	}
}

func run(ctx context.Context, a *app.App, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errors.New(strings.TrimSpace(usage))
	}
	cmd, args := args[0], args[1:]

	switch cmd {
	case "seen":
		id, err := lessonArg(args, 0)
		if err != nil {
			return err
		}
		return printJSON(out, a.MarkSeen(id))

	case "complete":
		fs := flag.NewFlagSet("complete", flag.ContinueOnError)
		undo := fs.Bool("undo", false, "mark the lesson as not done")
		if err := fs.Parse(args); err != nil {
			return err
		}
		id, err := lessonArg(fs.Args(), 0)
		if err != nil {
			return err
		}
		return printJSON(out, a.SetCompletion(id, !*undo))

	case "time":
		id, err := lessonArg(args, 0)
		if err != nil {
			return err
		}
		if len(args) < 2 {
			return errors.New("time needs <lesson_id> <ms>")
		}
		ms, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid milliseconds %q", args[1])
		}
		return printJSON(out, a.AddTime(id, ms))

	case "show":
		if len(args) == 0 {
			return printJSON(out, a.Store.State())
		}
		id, err := lessonArg(args, 0)
		if err != nil {
			return err
		}
		p, ok := a.Store.Get(id)
		if !ok {
			return fmt.Errorf("no progress for lesson %d", id)
		}
		return printJSON(out, p)

	case "pending":
		pending := a.Store.Pending()
		ids := make([]int64, 0, len(pending))
		for id := range pending {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		for _, id := range ids {
			fmt.Fprintln(out, id)
		}
		return nil

	case "sync":
		if !a.SyncEnabled() {
			return progresssync.ErrSyncDisabled
		}
		a.Engine.SetEnabled(true)
		if err := a.Engine.SyncNow(ctx, "manual"); err != nil {
			return err
		}
		fmt.Fprintf(out, "synced, %d pending\n", a.Store.PendingCount())
		return nil

	case "next":
		fs := flag.NewFlagSet("next", flag.ContinueOnError)
		filter := filterFlags(fs)
		if err := fs.Parse(args); err != nil {
			return err
		}
		q, err := filter()
		if err != nil {
			return err
		}
		s := a.ReviewSession(q)
		if err := s.Start(ctx); err != nil {
			return err
		}
		card, srs := s.Current()
		return printJSON(out, models.NextResponse{Card: card, Srs: srs})

	case "rate":
		fs := flag.NewFlagSet("rate", flag.ContinueOnError)
		filter := filterFlags(fs)
		if err := fs.Parse(args); err != nil {
			return err
		}
		q, err := filter()
		if err != nil {
			return err
		}
		rest := fs.Args()
		if len(rest) < 2 {
			return errors.New("rate needs <card_id> <rating>")
		}
		cardID, err := strconv.ParseInt(rest[0], 10, 64)
		if err != nil || cardID <= 0 {
			return fmt.Errorf("invalid card id %q", rest[0])
		}
		rating := models.Rating(rest[1])
		if !rating.Valid() {
			return fmt.Errorf("invalid rating %q", rest[1])
		}
		resp, err := a.Client.PostReview(ctx, models.ReviewRequest{
			CardID:  cardID,
			Rating:  rating,
			Scope:   q.Scope,
			DeckID:  q.DeckID,
			DeckIDs: q.DeckIDs,
			OnlyDue: models.Ptr(q.OnlyDue),
		})
		if err != nil {
			return err
		}
		return printJSON(out, resp)

	default:
		return fmt.Errorf("unknown command %q\n%s", cmd, usage)
	}
}

// filterFlags registers the card filter flags and returns a builder for the query.
func filterFlags(fs *flag.FlagSet) func() (models.NextQuery, error) {
	scope := fs.String("scope", string(models.ScopeAllDecks), "all_decks, deck, decks or all_cards")
	deck := fs.Int64("deck", 0, "deck id for scope=deck")
	decks := fs.String("decks", "", "comma-separated deck ids for scope=decks")
	all := fs.Bool("all", false, "fall back to cards that are not due yet")

	return func() (models.NextQuery, error) {
		q := models.NextQuery{Scope: models.Scope(*scope), OnlyDue: !*all}
		if *deck > 0 {
			q.DeckID = deck
		}
		for _, part := range strings.Split(*decks, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			id, err := strconv.ParseInt(part, 10, 64)
			if err != nil {
				return q, fmt.Errorf("invalid deck id %q", part)
			}
			q.DeckIDs = append(q.DeckIDs, id)
		}
		return q, nil
	}
}

func lessonArg(args []string, i int) (int64, error) {
	if len(args) <= i {
		return 0, errors.New("missing <lesson_id>")
	}
	id, err := strconv.ParseInt(args[i], 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid lesson id %q", args[i])
	}
	return id, nil
}

func printJSON(out io.Writer, v interface{}) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
