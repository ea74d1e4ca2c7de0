package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-sync/internal/attempt"
	"github.com/stemsi/exstem-sync/internal/config"
	"github.com/stemsi/exstem-sync/internal/logger"
	"github.com/stemsi/exstem-sync/internal/model"
	"github.com/stemsi/exstem-sync/internal/remote"
	"github.com/stemsi/exstem-sync/internal/storage"
)

func main() {
	var (
		attemptFlag string
		studentID   int
		token       string
	)
	flag.StringVar(&attemptFlag, "attempt", "", "Attempt ID")
	flag.IntVar(&studentID, "student", 0, "Student ID")
	flag.StringVar(&token, "token", os.Getenv("ATTEMPT_TOKEN"), "Student bearer token (default $ATTEMPT_TOKEN)")
	flag.Parse()

	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat, cfg.LogFile)

	attemptID, err := uuid.Parse(attemptFlag)
	if err != nil || studentID <= 0 || token == "" {
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ─── Open Durable Storage ──────────────────────────────────────────
	store, err := storage.Open(ctx, cfg.Storage, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open attempt storage")
	}
	defer store.Close()

	// ─── Connect to the Server of Record ───────────────────────────────
	stream := remote.NewStream(remote.New(cfg.Sync.APIBaseURL, token, remote.WithLogger(log)))
	defer stream.Close()

	sess, err := attempt.Open(ctx, attempt.Deps{
		Config: cfg,
		Store:  store,
		Remote: stream,
		// The token is stable for the attempt, so a restarted client can
		// read back what it stored.
		Secret: []byte(token),
		DeviceInfo: model.DeviceInfo{
			UserAgent: "exstem-attempt-client",
			Platform:  runtime.GOOS + "/" + runtime.GOARCH,
			ClientID:  hostname(),
		},
		Logger: log,
	}, model.AttemptContext{AttemptID: attemptID, StudentID: studentID})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open attempt")
	}
	defer sess.Close()

	sess.OnWarning(func(left time.Duration) {
		fmt.Printf("\n! %s left\n> ", left)
	})

	fmt.Printf("Attempt %s open, %s remaining. Type 'help' for commands.\n", attemptID, sess.Remaining().Round(time.Second))

	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	for {
		fmt.Print("> ")
		select {
		case <-ctx.Done():
			fmt.Println()
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if done := execute(ctx, sess, log, line); done {
				return
			}
		}
	}
}

// execute runs one REPL command and reports whether the client should exit.
func execute(ctx context.Context, sess *attempt.Session, log zerolog.Logger, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}

	switch fields[0] {
	case "help":
		fmt.Println("answer <question-id> <json>  record an answer")
		fmt.Println("goto <question-id>           navigate, flushing pending saves")
		fmt.Println("show <question-id>           print the local answer")
		fmt.Println("offline | online             simulate connectivity changes")
		fmt.Println("time                         remaining time")
		fmt.Println("submit                       submit the attempt")
		fmt.Println("quit                         close the client")
	case "answer":
		if len(fields) < 3 {
			fmt.Println("usage: answer <question-id> <json>")
			return false
		}
		qid, err := uuid.Parse(fields[1])
		if err != nil {
			fmt.Println("invalid question id")
			return false
		}
		payload := json.RawMessage(strings.Join(fields[2:], " "))
		if !json.Valid(payload) {
			fmt.Println("answer must be valid JSON")
			return false
		}
		if err := sess.Answer(qid, payload); err != nil {
			fmt.Println("error:", err)
		}
	case "goto":
		if len(fields) < 2 {
			fmt.Println("usage: goto <question-id>")
			return false
		}
		qid, err := uuid.Parse(fields[1])
		if err != nil {
			fmt.Println("invalid question id")
			return false
		}
		res, err := sess.Navigate(ctx, qid)
		if err != nil {
			fmt.Println("error:", err)
			return false
		}
		fmt.Printf("saved %d, failed %d\n", len(res.Succeeded), len(res.Failed))
	case "show":
		if len(fields) < 2 {
			fmt.Println("usage: show <question-id>")
			return false
		}
		qid, err := uuid.Parse(fields[1])
		if err != nil {
			fmt.Println("invalid question id")
			return false
		}
		if rec, ok := sess.Get(qid); ok {
			fmt.Printf("%s (%s, %dms)\n", rec.Answer, rec.Origin, rec.TimeSpentMs)
		} else {
			fmt.Println("no answer")
		}
	case "offline":
		sess.SetOnline(false)
	case "online":
		sess.SetOnline(true)
	case "time":
		fmt.Println(sess.Remaining().Round(time.Second))
	case "submit":
		res, err := sess.Submit(ctx)
		if err != nil {
			log.Error().Err(err).Msg("Submit failed")
			fmt.Println("submit failed, local answers kept; try again")
			return false
		}
		fmt.Printf("submitted at %s, %d answers accepted\n", res.SubmittedAt.Format(time.RFC3339), res.AnswersAccepted)
		return true
	case "quit", "exit":
		return true
	default:
		fmt.Println("unknown command; type 'help'")
	}
	return false
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return ""
	}
	return h
}
