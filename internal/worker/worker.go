// Package worker wires the broker queues to the conversation pipeline: inbox
// authorization, message buffering and debounce, the human-takeover state
// machine, completion runs, the campaign sender, and the inactivity sweep.
package worker

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ODuo-Tech-Team/SharPro2.0/internal/broker"
	"github.com/ODuo-Tech-Team/SharPro2.0/internal/chatbox"
	"github.com/ODuo-Tech-Team/SharPro2.0/internal/engine"
	"github.com/ODuo-Tech-Team/SharPro2.0/internal/genai"
	"github.com/ODuo-Tech-Team/SharPro2.0/internal/models"
	"github.com/ODuo-Tech-Team/SharPro2.0/internal/statestore"
	"github.com/ODuo-Tech-Team/SharPro2.0/internal/store"
)

// Defaults for the pipeline timing knobs.
const (
	// DefaultDebounce is how long the worker waits after the last message
	// fragment before running a completion.
	DefaultDebounce = 2 * time.Second

	// minBufferTTL floors the buffer expiry so a stalled debounce timer never
	// strands fragments for long.
	minBufferTTL = 30 * time.Second

	// DefaultInactivityThreshold is how long a bot-owned conversation may sit
	// idle before the sweep resolves it.
	DefaultInactivityThreshold = 72 * time.Hour

	// DefaultSweepInterval is how often the inactivity sweep runs.
	DefaultSweepInterval = time.Hour

	// DefaultSaleLabel is the conversation label that records a closed sale.
	DefaultSaleLabel = "venda"

	// DefaultHistoryLimit caps how many platform messages feed the completion.
	DefaultHistoryLimit = 20
)

// ChatClient is the platform surface the worker needs per tenant.
type ChatClient interface {
	engine.ChatClient
	GetMessages(ctx context.Context, conversationID int64) ([]chatbox.Message, error)
	SendOutboundMessage(ctx context.Context, inboxID int64, name, phone, content string) (int64, error)
}

// Opts holds configuration options for the worker.
type Opts struct {
	Debounce            time.Duration
	InactivityThreshold time.Duration
	SweepInterval       time.Duration
	SaleLabel           string
	HistoryLimit        int

	// NewChat builds a tenant-scoped platform client. Tests inject a fake.
	NewChat func(org *models.Organization) ChatClient
	// HTTPClient fetches message attachments (audio transcription).
	HTTPClient *http.Client
}

// Option configures the worker.
type Option func(*Opts)

// WithDebounce sets the fragment debounce window.
func WithDebounce(d time.Duration) Option {
	return func(o *Opts) { o.Debounce = d }
}

// WithInactivityThreshold sets the stale-conversation cutoff.
func WithInactivityThreshold(d time.Duration) Option {
	return func(o *Opts) { o.InactivityThreshold = d }
}

// WithSweepInterval sets how often the inactivity sweep runs.
func WithSweepInterval(d time.Duration) Option {
	return func(o *Opts) { o.SweepInterval = d }
}

// WithSaleLabel sets the label that marks a closed sale.
func WithSaleLabel(label string) Option {
	return func(o *Opts) { o.SaleLabel = label }
}

// WithHistoryLimit caps how many platform messages feed each completion.
func WithHistoryLimit(n int) Option {
	return func(o *Opts) { o.HistoryLimit = n }
}

// WithChatFactory overrides how tenant platform clients are built (tests).
func WithChatFactory(f func(org *models.Organization) ChatClient) Option {
	return func(o *Opts) { o.NewChat = f }
}

// WithHTTPClient sets the client used to fetch attachments.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *Opts) { o.HTTPClient = hc }
}

// Worker is the conversation pipeline.
type Worker struct {
	store  store.Store
	state  statestore.Store
	engine *engine.Engine
	genai  genai.ClientInterface
	broker *broker.Client

	debouncer *Debouncer
	newChat   func(org *models.Organization) ChatClient
	http      *http.Client

	debounce            time.Duration
	bufferTTL           time.Duration
	inactivityThreshold time.Duration
	sweepInterval       time.Duration
	saleLabel           string
	historyLimit        int

	// contacts keeps the last sender per conversation for the batch
	// processor.
	contactMu sync.Mutex
	contacts  map[int64]models.SenderPayload

	// campaigns tracks running sender loops so a campaign cannot be started
	// twice.
	campaignMu sync.Mutex
	campaigns  map[string]context.CancelFunc

	wg sync.WaitGroup
}

// NewWorker assembles the pipeline. The engine is constructed here so the
// stale-ticket tool resolves to this worker's sweep.
func NewWorker(st store.Store, state statestore.Store, genaiClient genai.ClientInterface, brokerClient *broker.Client, opts ...Option) *Worker {
	cfg := Opts{
		Debounce:            DefaultDebounce,
		InactivityThreshold: DefaultInactivityThreshold,
		SweepInterval:       DefaultSweepInterval,
		SaleLabel:           DefaultSaleLabel,
		HistoryLimit:        DefaultHistoryLimit,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	bufferTTL := 10 * cfg.Debounce
	if bufferTTL < minBufferTTL {
		bufferTTL = minBufferTTL
	}

	w := &Worker{
		store:               st,
		state:               state,
		genai:               genaiClient,
		broker:              brokerClient,
		newChat:             cfg.NewChat,
		http:                cfg.HTTPClient,
		debounce:            cfg.Debounce,
		bufferTTL:           bufferTTL,
		inactivityThreshold: cfg.InactivityThreshold,
		sweepInterval:       cfg.SweepInterval,
		saleLabel:           cfg.SaleLabel,
		historyLimit:        cfg.HistoryLimit,
		contacts:            make(map[int64]models.SenderPayload),
		campaigns:           make(map[string]context.CancelFunc),
	}
	if w.newChat == nil {
		w.newChat = func(org *models.Organization) ChatClient {
			return chatbox.NewClient(
				chatbox.WithBaseURL(org.ChatboxURL),
				chatbox.WithToken(org.ChatboxToken),
				chatbox.WithAccountID(org.ChatboxAccountID),
			)
		}
	}
	if w.http == nil {
		w.http = &http.Client{Timeout: 60 * time.Second}
	}
	w.engine = engine.NewEngine(genaiClient, st, state, w)
	w.debouncer = NewDebouncer(w.debounce, func(conversationID, accountID int64) {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			// Detached from the consumer ctx so an in-flight batch survives a
			// queue reconnect, but bounded.
			batchCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()
			w.ProcessBatch(batchCtx, conversationID, accountID)
		}()
	})
	return w
}

// Engine exposes the completion engine (tests).
func (w *Worker) Engine() *engine.Engine { return w.engine }

// Run consumes the broker queues until ctx is canceled. It blocks.
func (w *Worker) Run(ctx context.Context) error {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.runInactivitySweep(ctx)
	}()

	consumers := []struct {
		queue   string
		handler broker.Handler
	}{
		{broker.QueueIncoming, w.HandleIncomingEvent},
		{broker.QueueReply, w.HandleReplyCommand},
		{broker.QueueCampaign, w.HandleCampaignCommand},
	}
	errCh := make(chan error, len(consumers))
	for _, c := range consumers {
		w.wg.Add(1)
		go func(queue string, handler broker.Handler) {
			defer w.wg.Done()
			if err := w.broker.Consume(ctx, queue, handler); err != nil && ctx.Err() == nil {
				errCh <- err
			}
		}(c.queue, c.handler)
	}

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-errCh:
		slog.Error("Worker.Run: consumer failed", "error", err)
		runErr = err
	}
	// Cancel live timers before waiting so no new batch goroutine starts while
	// the group drains.
	w.stopCampaigns()
	w.debouncer.Stop()
	w.wg.Wait()
	slog.Info("Worker.Run: stopped")
	return runErr
}

func (w *Worker) stopCampaigns() {
	w.campaignMu.Lock()
	defer w.campaignMu.Unlock()
	for id, cancel := range w.campaigns {
		cancel()
		delete(w.campaigns, id)
	}
}
