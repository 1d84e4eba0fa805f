package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	driveapi "google.golang.org/api/drive/v3"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/facturador/mailtrigger/internal/automation"
	"github.com/facturador/mailtrigger/internal/config"
	"github.com/facturador/mailtrigger/internal/events"
	"github.com/facturador/mailtrigger/internal/invoice"
	gmailbox "github.com/facturador/mailtrigger/internal/mailbox/gmail"
	"github.com/facturador/mailtrigger/internal/server"
	"github.com/facturador/mailtrigger/internal/state"
	"github.com/facturador/mailtrigger/internal/storage/drive"
)

func main() {
	configPath := flag.String("config", os.Getenv("FACTURADOR_AUTOMATION_CONFIG_PATH"), "path to the automation config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := os.MkdirAll(cfg.LocalWorkDir, 0755); err != nil {
		log.Fatalf("create work dir: %v", err)
	}

	ctx := context.Background()

	httpClient, err := googleClient(ctx, cfg)
	if err != nil {
		log.Fatalf("build google client: %v", err)
	}

	mbox, err := gmailbox.New(ctx, cfg.GmailUser, option.WithHTTPClient(httpClient))
	if err != nil {
		log.Fatalf("build gmail adapter: %v", err)
	}
	uploader, err := drive.New(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		log.Fatalf("build drive adapter: %v", err)
	}

	processedLabelID, err := mbox.EnsureLabel(ctx, cfg.ProcessedLabelName)
	if err != nil {
		log.Fatalf("ensure processed label: %v", err)
	}

	store, err := openStateStore(cfg.StatePath)
	if err != nil {
		log.Fatalf("open state store: %v", err)
	}

	ledger, err := events.OpenLedger(filepath.Join(cfg.LocalWorkDir, "ledger.db"))
	if err != nil {
		log.Fatalf("open ledger: %v", err)
	}
	defer ledger.Close()

	if cfg.NATSURL != "" {
		pub, err := events.NewPublisher(cfg.NATSURL)
		if err != nil {
			log.Fatalf("connect event publisher: %v", err)
		}
		defer pub.Close()
		if err := pub.EnsureStream(ctx); err != nil {
			log.Fatalf("ensure event stream: %v", err)
		}
		go events.Dispatch(ctx, ledger, pub)
	}

	pipeline := &automation.Pipeline{
		Mailbox:          mbox,
		Uploader:         uploader,
		Converter:        &invoice.CommandConverter{Command: cfg.ConverterCommand, WorkDir: cfg.LocalWorkDir},
		Ledger:           ledger,
		ProcessedLabelID: processedLabelID,
		ParentFolderID:   cfg.DriveParentFolderID,
		MarkAsRead:       cfg.MarkAsRead,
	}
	poller := &automation.Poller{
		Mailbox:            mbox,
		Pipeline:           pipeline,
		Query:              cfg.GmailQuery,
		ProcessedLabelName: cfg.ProcessedLabelName,
		PerCycleLimit:      int64(cfg.MaxMessagesPerPoll),
	}
	engine := &automation.Engine{
		State:         store,
		Mailbox:       mbox,
		Pipeline:      pipeline,
		Poller:        poller,
		MaxSyncCycles: cfg.MaxSyncCycles,
	}
	registrar := &automation.Registrar{
		State:          store,
		Mailbox:        mbox,
		Poller:         poller,
		Topic:          cfg.WatchTopic,
		LabelIDs:       cfg.WatchLabelIDs,
		SyncAfterStart: cfg.WatchSyncAfterStart,
		MaxSyncCycles:  cfg.MaxSyncCycles,
	}

	var verifier *server.PushVerifier
	if cfg.PushAudience != "" {
		verifier, err = server.NewPushVerifier(ctx, cfg.PushAudience, cfg.PushServiceAccount)
		if err != nil {
			log.Fatalf("build push verifier: %v", err)
		}
	} else {
		log.Printf("push audience not configured, push deliveries will not be authenticated")
	}

	srv := server.New(server.Options{
		AdminToken:       cfg.AdminToken,
		Verifier:         verifier,
		Engine:           engine,
		Poller:           poller,
		Registrar:        registrar,
		State:            store,
		DefaultMaxCycles: cfg.MaxSyncCycles,
	})

	if cfg.PollIntervalSec > 0 {
		go srv.RunPollLoop(ctx, time.Duration(cfg.PollIntervalSec)*time.Second, cfg.MaxSyncCycles)
	}

	log.Printf("mail trigger service listening on %s", cfg.ListenAddr)
	log.Fatal(srv.Run(cfg.ListenAddr))
}

// googleClient builds an authenticated HTTP client from the OAuth client
// secret and a previously obtained token. The consent flow itself happens
// outside this service; the token source refreshes as needed.
func googleClient(ctx context.Context, cfg *config.Config) (*http.Client, error) {
	credBytes, err := os.ReadFile(cfg.CredentialsPath)
	if err != nil {
		return nil, fmt.Errorf("read oauth client secret: %w", err)
	}
	conf, err := google.ConfigFromJSON(credBytes, gmailapi.GmailModifyScope, driveapi.DriveScope)
	if err != nil {
		return nil, fmt.Errorf("parse oauth client secret: %w", err)
	}

	tokenBytes, err := os.ReadFile(cfg.TokenPath)
	if err != nil {
		return nil, fmt.Errorf("read oauth token: %w", err)
	}
	token := &oauth2.Token{}
	if err := json.Unmarshal(tokenBytes, token); err != nil {
		return nil, fmt.Errorf("parse oauth token: %w", err)
	}

	return conf.Client(ctx, token), nil
}

// openStateStore picks the store implementation by path: a .json path gets
// the file store, anything else the sqlite store.
func openStateStore(path string) (state.Store, error) {
	if filepath.Ext(path) == ".json" {
		return state.NewFileStore(path)
	}
	return state.OpenSQLite(path)
}
