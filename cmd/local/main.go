//go:build portaudio

// Command local holds a voice conversation through the machine's default microphone.
// Replies are printed instead of played.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"voicedesk/agent/internal/capture"
	"voicedesk/agent/internal/config"
	"voicedesk/agent/internal/exchange"
	"voicedesk/agent/internal/recorder"
	"voicedesk/agent/internal/speech"
	"voicedesk/agent/internal/store"
	"voicedesk/agent/internal/turn"
	"voicedesk/agent/internal/types"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend := exchange.NewClient(exchange.Options{
		BaseURL:        cfg.Exchange.BaseURL,
		TranscribePath: cfg.Exchange.TranscribePath,
		ChatPath:       cfg.Exchange.ChatPath,
		ConfirmPath:    cfg.Exchange.ConfirmPath,
		HealthPath:     cfg.Exchange.HealthPath,
		APIToken:       cfg.Exchange.APIToken,
		Timeout:        cfg.Timeout(),
	})
	var stt exchange.Transcriber = backend
	if cfg.STT.Provider == "openai" {
		stt = exchange.NewWhisperTranscriber(cfg.STT.OpenAIAPIKey, "", cfg.STT.Model, cfg.STT.Language, cfg.Timeout())
	}

	id := uuid.New().String()
	device := &capture.PortAudioDevice{SampleRate: cfg.Capture.SampleRate}

	var mu sync.Mutex
	lastConfirm := ""
	ctl := turn.New(id, turn.Deps{
		Capture:     capture.NewEngine(device, cfg.Capture.Window, id, cfg.Debug()),
		Recorder:    recorder.New(cfg.Capture.SampleRate),
		Transcriber: stt,
		Exchange:    backend,
		Synth:       speech.NewConsole(os.Stdout, 0),
		Store:       store.New(),
	}, turn.Options{
		Threshold:       cfg.VAD.Threshold,
		Silence:         time.Duration(cfg.VAD.SilenceMs) * time.Millisecond,
		FrameInterval:   time.Duration(cfg.VAD.FrameMs) * time.Millisecond,
		ResumeDelay:     time.Duration(cfg.Turn.ResumeDelayMs) * time.Millisecond,
		MinPayloadBytes: cfg.Turn.MinPayloadBytes,
	}, turn.Hooks{
		OnState: func(from, to turn.State) { fmt.Printf("  (%s)\n", to) },
		OnMessage: func(m types.Message) {
			if m.Role == types.RoleUser {
				fmt.Printf("you> %s\n", m.Content)
				return
			}
			if m.Kind == types.KindConfirm && m.Confirm != nil {
				mu.Lock()
				lastConfirm = m.ID
				mu.Unlock()
				fmt.Printf("  confirm %q? type :yes or :no\n", m.Confirm.ActionName)
			}
			if m.Kind == types.KindError {
				fmt.Printf("error> %s\n", m.Content)
			}
		},
		OnAlert:  func(text string) { fmt.Printf("! %s\n", text) },
		OnAction: func(r exchange.ActionReply) { fmt.Printf("  action %s %v\n", r.Name, r.Raw) },
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = ctl.Run(ctx)
	}()

	if err := ctl.StartSession(ctx); err != nil {
		log.Printf("[local] microphone unavailable, typed input only: %v", err)
	}
	fmt.Println("Speak, or type a message. Commands: :yes :no :end :start :quit")

	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			<-done
			return
		case line, ok := <-lines:
			if !ok {
				stop()
				continue
			}
			line = strings.TrimSpace(line)
			mu.Lock()
			confirmID := lastConfirm
			mu.Unlock()
			var err error
			switch line {
			case "":
				continue
			case ":quit":
				stop()
				continue
			case ":end":
				err = ctl.EndSession(ctx)
			case ":start":
				err = ctl.StartSession(ctx)
			case ":yes":
				err = ctl.AcceptConfirm(ctx, confirmID)
			case ":no":
				err = ctl.DeclineConfirm(ctx, confirmID)
			default:
				err = ctl.SubmitText(ctx, line)
			}
			if err != nil {
				fmt.Printf("! %v\n", err)
			}
		}
	}
}
