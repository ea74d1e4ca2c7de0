package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-sync/internal/config"
	"github.com/stemsi/exstem-sync/internal/database"
	"github.com/stemsi/exstem-sync/internal/logger"
	"github.com/stemsi/exstem-sync/internal/model"
	"github.com/stemsi/exstem-sync/internal/repository"
	"github.com/stemsi/exstem-sync/internal/service"
	"golang.org/x/term"
)

// tokenSlack keeps the token valid a while past the deadline so a time-up
// submit can still authenticate.
const tokenSlack = time.Hour

func main() {
	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat, cfg.LogFile)

	ctx := context.Background()

	// ─── CLI Input ─────────────────────────────────────────────────────
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("=== Start Attempt ===")

	fmt.Print("Enter Student ID: ")
	studentID, err := strconv.Atoi(readLine(reader))
	if err != nil || studentID <= 0 {
		fmt.Println("Error: Student ID must be a positive number")
		return
	}

	fmt.Print("Enter Assessment ID (blank for a new one): ")
	assessmentID := uuid.New()
	if raw := readLine(reader); raw != "" {
		if assessmentID, err = uuid.Parse(raw); err != nil {
			fmt.Println("Error: Assessment ID must be a UUID")
			return
		}
	}

	fmt.Print("Enter Duration in minutes (default 90): ")
	minutes := 90
	if raw := readLine(reader); raw != "" {
		if minutes, err = strconv.Atoi(raw); err != nil || minutes <= 0 {
			fmt.Println("Error: Duration must be a positive number")
			return
		}
	}

	// Tokens must be signed with the server's secret; ask for it when the
	// environment does not provide one.
	if os.Getenv("JWT_SECRET") == "" {
		fmt.Print("Enter JWT Secret: ")
		secret, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Println()
		if err != nil {
			fmt.Println("Error reading secret")
			return
		}
		if len(secret) == 0 {
			fmt.Println("Error: JWT Secret is required")
			return
		}
		cfg.JWTSecret = string(secret)
	}

	// ─── Connect to PostgreSQL ─────────────────────────────────────────
	pool, err := database.NewPostgresPool(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()

	// ─── Logic ─────────────────────────────────────────────────────────
	attempt := &model.Attempt{
		AssessmentID:    assessmentID,
		StudentID:       studentID,
		DurationSeconds: minutes * 60,
	}
	if err := repository.NewAttemptRepository(pool).Create(ctx, attempt); err != nil {
		log.Fatal().Err(err).Msg("Failed to create attempt")
	}

	token, err := service.NewAuthService(cfg).GenerateStudentToken(studentID, time.Duration(minutes)*time.Minute+tokenSlack)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to issue token")
	}

	fmt.Printf("\nSuccess! Attempt %s started for student %d (deadline %s)\n",
		attempt.ID, studentID, attempt.Deadline().Format(time.RFC3339))
	fmt.Printf("Token: %s\n", token)
}

func readLine(r *bufio.Reader) string {
	s, _ := r.ReadString('\n')
	return strings.TrimSpace(s)
}
