// Command speechos-dictate streams raw PCM from stdin through a voice
// session and prints the result.
//
// Usage:
//
//	sox -d -t raw -r 16000 -e signed -b 16 -c 1 - | speechos-dictate -for 5s
//	speechos-dictate -action edit -text "helo wrld" -for 5s < audio.raw
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	speechos "github.com/speechos/speechos-go/sdk"
)

func main() {
	_ = godotenv.Load()

	action := flag.String("action", "dictate", "dictate, edit or command")
	text := flag.String("text", "", "original text for -action edit")
	lang := flag.String("lang", "en", "input language")
	device := flag.String("device", "", "input device id")
	duration := flag.Duration("for", 5*time.Second, "how long to capture before requesting the result")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	client := speechos.NewClient(
		speechos.WithLogger(logger),
		speechos.WithCaptureSource(speechos.ReaderSource{R: os.Stdin}),
		speechos.WithInputDevice(*device),
		speechos.WithSettings(speechos.Settings{InputLanguage: *lang, SmartFormat: true}),
	)
	client.StartAutoRefresh()
	defer client.StopAutoRefresh()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, client, logger, *action, *text, *duration); err != nil {
		logger.Error("session failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, client *speechos.Client, logger *slog.Logger, action, text string, duration time.Duration) error {
	session := client.NewSession()
	defer session.Disconnect()

	go func() {
		for event := range session.Events() {
			logger.Warn("session event", "code", event.Code, "source", event.Source, "severity", event.Severity)
		}
	}()

	req := speechos.StartRequest{
		Action:     speechos.Action(action),
		InputText:  text,
		OnMicReady: func() { logger.Info("capturing audio") },
	}
	if action == "command" {
		req.Commands = []speechos.CommandDefinition{
			{Name: "open_file", Description: "open a file by name", Arguments: []speechos.CommandArgument{{Name: "path", Required: true}}},
			{Name: "save", Description: "save the current document"},
		}
	}
	if err := session.Start(ctx, req); err != nil {
		return err
	}

	select {
	case <-time.After(duration):
	case <-ctx.Done():
		logger.Info("interrupted, requesting result early")
	}

	resultCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	switch speechos.Action(action) {
	case speechos.ActionDictate:
		transcript, err := session.StopTranscript(resultCtx)
		if err != nil {
			return err
		}
		fmt.Println(transcript)
	case speechos.ActionEdit:
		result, err := session.RequestEdit(resultCtx, text)
		if err != nil {
			return err
		}
		if result.Unchanged {
			logger.Info("edit left the text unchanged")
		}
		fmt.Println(result.Text)
	case speechos.ActionCommand:
		match, err := session.RequestCommand(resultCtx, nil)
		if err != nil {
			return err
		}
		if match == nil {
			logger.Info("no command matched")
			return nil
		}
		fmt.Printf("%s %v\n", match.Name, match.Arguments)
	default:
		return fmt.Errorf("unknown action %q", action)
	}
	return nil
}
