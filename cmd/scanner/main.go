package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"attendx/internal/apiclient"
	"attendx/internal/logger"
	"attendx/internal/scanloop"
)

var rootCmd = &cobra.Command{
	Use:   "scanner",
	Short: "Camera attendance scanner for AttendX",
	Long: `Scanner captures a frame on every tick, asks the API whether a face is
present and then marks attendance.

In student mode the frame is verified against the signed-in student's own
face and the scanner exits after the first successful check-in. In instructor
mode every recognized student is marked present and scanning continues.

Examples:
  # Student self check-in from a webcam snapshot URL
  scanner --token $TOKEN --snapshot-url http://127.0.0.1:8554/snapshot.jpg

  # Instructor classroom scan replaying a directory of photos
  scanner --mode instructor --token $TOKEN --image-dir ./frames --session 6f1c...`,
	RunE: runScanner,
}

func init() {
	cobra.OnInitialize(func() {
		// .env file is optional
		_ = godotenv.Load()
	})

	f := rootCmd.Flags()
	f.String("api-url", "http://localhost:8081", "AttendX API base URL (env ATTENDX_API_URL)")
	f.String("token", "", "Bearer access token (env ATTENDX_TOKEN)")
	f.String("snapshot-url", "", "Camera still-image URL to capture frames from")
	f.String("image-dir", "", "Directory of images to replay instead of a camera")
	f.String("mode", "student", "student or instructor")
	f.String("session", "", "Class session id for instructor scans (default: the running session)")
	f.Duration("interval", scanloop.DefaultInterval, "Time between scan ticks")
	f.Duration("reset-delay", scanloop.DefaultResetDelay, "How long a success or error is shown before scanning resumes")
	f.Bool("debug", false, "Enable debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func flagOrEnv(cmd *cobra.Command, name, env string) string {
	v, _ := cmd.Flags().GetString(name)
	if !cmd.Flags().Changed(name) {
		if e := os.Getenv(env); e != "" {
			return e
		}
	}
	return v
}

func runScanner(cmd *cobra.Command, _ []string) error {
	debug, _ := cmd.Flags().GetBool("debug")
	log := logger.SetupDefault(os.Stderr, debug)

	apiURL := flagOrEnv(cmd, "api-url", "ATTENDX_API_URL")
	token := flagOrEnv(cmd, "token", "ATTENDX_TOKEN")
	snapshotURL, _ := cmd.Flags().GetString("snapshot-url")
	imageDir, _ := cmd.Flags().GetString("image-dir")
	mode, _ := cmd.Flags().GetString("mode")
	sessionID, _ := cmd.Flags().GetString("session")
	interval, _ := cmd.Flags().GetDuration("interval")
	resetDelay, _ := cmd.Flags().GetDuration("reset-delay")

	if token == "" {
		return errors.New("an access token is required (--token or ATTENDX_TOKEN)")
	}
	if (snapshotURL == "") == (imageDir == "") {
		return errors.New("provide exactly one of --snapshot-url or --image-dir")
	}

	var src scanloop.FrameSource
	if snapshotURL != "" {
		src = scanloop.NewSnapshotSource(snapshotURL)
	} else {
		dir, err := scanloop.NewDirSource(imageDir)
		if err != nil {
			return err
		}
		src = dir
	}

	client := apiclient.New(apiURL, token)
	var matcher scanloop.Matcher
	switch mode {
	case "student":
		matcher = scanloop.MatcherFunc(func(ctx context.Context, photo string) (scanloop.Match, error) {
			rec, err := client.CheckIn(ctx, photo)
			if err != nil {
				return scanloop.Match{}, err
			}
			return scanloop.Match{StudentID: rec.StudentID}, nil
		})
	case "instructor":
		matcher = scanloop.MatcherFunc(func(ctx context.Context, photo string) (scanloop.Match, error) {
			res, err := client.Scan(ctx, photo, sessionID)
			if err != nil {
				return scanloop.Match{}, err
			}
			return scanloop.Match{StudentID: res.StudentID, StudentName: res.StudentName}, nil
		})
	default:
		return fmt.Errorf("unknown mode %q (student or instructor)", mode)
	}

	loop := scanloop.New(src, client, matcher, scanloop.Config{
		Interval:      interval,
		ResetDelay:    resetDelay,
		StopOnSuccess: mode == "student",
	}, func(ev scanloop.Event) {
		report(cmd, log, ev)
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("scanner started", "mode", mode, "api", apiURL, "interval", interval)
	if err := loop.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("scanner stopped", "state", loop.State())
	return nil
}

func report(cmd *cobra.Command, log *slog.Logger, ev scanloop.Event) {
	out := cmd.OutOrStdout()
	ts := ev.At.Format(time.TimeOnly)
	switch {
	case ev.State == scanloop.StateSuccess && ev.Match.StudentName != "":
		fmt.Fprintf(out, "%s marked present: %s (%s)\n", ts, ev.Match.StudentName, ev.Match.StudentID)
	case ev.State == scanloop.StateSuccess:
		fmt.Fprintf(out, "%s checked in\n", ts)
	case ev.Err != nil:
		fmt.Fprintf(out, "%s %s: %v\n", ts, ev.State, ev.Err)
	default:
		log.Debug("scan state", "state", ev.State)
	}
}
