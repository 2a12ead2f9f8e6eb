package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog"

	"chatsync/backend"
	"chatsync/config"
	"chatsync/engine"
	"chatsync/models"
	"chatsync/realtime"
	"chatsync/storage"
	"chatsync/store"
	"chatsync/ui"
)

// programHandle forwards engine callbacks into the running bubbletea
// program. Callbacks can fire before the program starts, so delivery is
// gated on set.
type programHandle struct {
	mu      sync.Mutex
	program *tea.Program
}

func (h *programHandle) set(p *tea.Program) {
	h.mu.Lock()
	h.program = p
	h.mu.Unlock()
}

func (h *programHandle) send(msg tea.Msg) {
	h.mu.Lock()
	p := h.program
	h.mu.Unlock()
	if p != nil {
		p.Send(msg)
	}
}

func main() {
	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		log.Fatalf("startup failed while loading config: %v", err)
	}

	creds := cfg.Credentials()
	if err := creds.Validate(); err != nil {
		log.Fatalf("configuration incomplete (%s): %v", cfgPath, err)
	}

	dataDir := filepath.Dir(cfgPath)

	// Logs go to a file: stderr belongs to the TUI.
	logFile, err := os.OpenFile(filepath.Join(dataDir, "chatsync.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		log.Fatalf("startup failed while opening log file: %v", err)
	}
	defer logFile.Close()
	logger := zerolog.New(logFile).With().Timestamp().Logger()

	local, dbPath, err := storage.Open(dataDir)
	if err != nil {
		log.Fatalf("startup failed while opening database: %v", err)
	}
	defer func() {
		if err := local.Close(); err != nil {
			logger.Warn().Err(err).Msg("database close error")
		}
	}()
	logger.Info().Str("db", dbPath).Msg("local storage ready")

	client, err := backend.New(backend.Config{
		BaseURL:            creds.BackendURL,
		APIKey:             creds.BackendKey,
		AccessToken:        creds.AccessToken,
		RefreshToken:       creds.RefreshToken,
		LocalParticipantID: creds.SenderID,
		HTTPClient:         &http.Client{Timeout: 30 * time.Second},
		Logger:             logger,
	})
	if err != nil {
		log.Fatalf("startup failed while creating backend client: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Credential gate: an unusable token means no session at all.
	if err := client.Authenticate(ctx); err != nil {
		log.Fatalf("authentication failed: %v", err)
	}

	handle := &programHandle{}

	subscriber, err := realtime.NewSubscriber(realtime.Options{
		BackendURL:         creds.BackendURL,
		APIKey:             creds.BackendKey,
		AccessToken:        creds.AccessToken,
		ChatID:             creds.ChatID,
		LocalParticipantID: creds.SenderID,
		OnError: func(err error) {
			handle.send(ui.ErrMsg{Err: err})
		},
		Logger: logger,
	})
	if err != nil {
		log.Fatalf("startup failed while creating realtime subscriber: %v", err)
	}

	eng, err := engine.New(engine.Options{
		Credentials: creds,
		Backend:     client,
		Realtime:    subscriber,
		Local:       local,
		OnTimelineChanged: func(snapshot []models.Message, mutation store.Mutation) {
			handle.send(ui.TimelineMsg{Snapshot: snapshot, Mutation: mutation})
		},
		OnSendAcknowledged: func(ack engine.Ack) {
			handle.send(ui.AckMsg(ack))
		},
		OnError: func(err error) {
			handle.send(ui.ErrMsg{Err: err})
		},
		Logger: logger,
	})
	if err != nil {
		log.Fatalf("startup failed while creating engine: %v", err)
	}

	if err := eng.Start(ctx); err != nil {
		log.Fatalf("session start failed: %v", err)
	}
	defer func() {
		if err := eng.Close(); err != nil {
			logger.Warn().Err(err).Msg("engine close error")
		}
	}()

	program := tea.NewProgram(ui.New(eng, creds.ReceiverID), tea.WithAltScreen())
	handle.set(program)

	// Seed the view with whatever the initial load produced before the
	// program was attached.
	handle.send(ui.TimelineMsg{
		Snapshot: eng.Snapshot(),
		Mutation: store.Mutation{Kind: store.MutationTailAppend, Inserted: len(eng.Snapshot())},
	})

	if _, err := program.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "ui error: %v\n", err)
		os.Exit(1)
	}
}
