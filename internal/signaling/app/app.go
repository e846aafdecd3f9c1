package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/sebas/callpilot/internal/rtpmanager/bridge"
	"github.com/sebas/callpilot/internal/rtpmanager/media"
	"github.com/sebas/callpilot/internal/signaling/api"
	"github.com/sebas/callpilot/internal/signaling/campaign"
	"github.com/sebas/callpilot/internal/signaling/config"
	"github.com/sebas/callpilot/internal/signaling/dialog"
	"github.com/sebas/callpilot/internal/signaling/drain"
	"github.com/sebas/callpilot/internal/signaling/dtmf"
	"github.com/sebas/callpilot/internal/signaling/events"
	"github.com/sebas/callpilot/internal/signaling/ivr"
	"github.com/sebas/callpilot/internal/signaling/session"
	"github.com/sebas/callpilot/internal/signaling/speechclient"
	"github.com/sebas/callpilot/internal/signaling/store"
	"github.com/sebas/callpilot/internal/signaling/transcription"
)

const (
	dialSlotsKey = "callpilot:dial_slots"
	dialSlotTTL  = 5 * time.Minute
	shutdownWait = 10 * time.Second
)

// CallPilot owns every component of one process and their lifetimes.
type CallPilot struct {
	config *config.Config

	ua     *sipgo.UserAgent
	srv    *sipgo.Server
	client *sipgo.Client

	dialogs   *dialog.Manager
	registry  *session.Registry
	scheduler *campaign.Scheduler
	drainer   *drain.Coordinator
	pipeline  *transcription.Pipeline
	navigator *ivr.Navigator
	bridges   *bridge.Manager
	speech    *speechclient.Pool
	repo      store.Repository
	rdb       *redis.Client
	publisher events.Publisher
	apiServer *api.Server

	agentIDs []string
	cleanup  []func()
}

// NewServer builds the component graph from cfg. Nothing listens or dials
// until Start.
func NewServer(ctx context.Context, cfg *config.Config) (*CallPilot, error) {
	p := &CallPilot{config: cfg}
	if err := p.build(ctx); err != nil {
		p.runCleanup()
		return nil, err
	}
	return p, nil
}

// onClose registers fn to run during Close, in reverse order.
func (p *CallPilot) onClose(fn func()) {
	p.cleanup = append(p.cleanup, fn)
}

func (p *CallPilot) runCleanup() {
	for i := len(p.cleanup) - 1; i >= 0; i-- {
		p.cleanup[i]()
	}
	p.cleanup = nil
}

func (p *CallPilot) build(ctx context.Context) error {
	cfg := p.config

	// SIP user agent, server and client
	ua, err := sipgo.NewUA(sipgo.WithUserAgent("callpilot"))
	if err != nil {
		return fmt.Errorf("failed to create user agent: %w", err)
	}
	p.ua = ua
	p.onClose(func() { _ = ua.Close() })

	if p.srv, err = sipgo.NewServer(ua); err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	if p.client, err = sipgo.NewClient(ua); err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}

	contact := sip.Uri{
		Scheme: "sip",
		User:   "callpilot",
		Host:   cfg.AdvertiseAddr,
		Port:   cfg.Port,
	}
	dialogUA := &sipgo.DialogUA{
		Client:     p.client,
		ContactHDR: sip.ContactHeader{Address: contact},
	}

	// Persistence
	if cfg.DatabaseURL != "" {
		pg, err := store.OpenPostgres(ctx, cfg.DatabaseURL, store.PoolConfig{})
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		p.repo = pg
		slog.Info("[App] Using Postgres store")
	} else {
		p.repo = store.NewMemory()
		slog.Info("[App] Using in-memory store")
	}
	repo := p.repo
	p.onClose(repo.Close)

	if cfg.RedisAddr != "" {
		rdb, err := store.OpenRedis(ctx, store.RedisConfig{Addr: cfg.RedisAddr})
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		p.rdb = rdb
		p.onClose(func() { _ = rdb.Close() })
	}

	// Events
	switch cfg.EventSink {
	case "redis":
		p.publisher = events.NewMultiPublisher(
			events.NewRedisPublisher(p.rdb, events.RedisConfig{}),
			events.NewLoggingPublisher(slog.Default()),
		)
	case "none":
		p.publisher = events.NewNoopPublisher()
	default:
		p.publisher = events.NewLoggingPublisher(slog.Default())
	}
	pub := p.publisher
	p.onClose(func() {
		if err := pub.Close(); err != nil {
			slog.Warn("[App] Event publisher close failed", "error", err)
		}
	})

	// Speech gateway
	var speech *speechclient.Client
	if len(cfg.SpeechURLs) > 0 {
		nodes := make([]speechclient.Node, len(cfg.SpeechURLs))
		for i, u := range cfg.SpeechURLs {
			nodes[i] = speechclient.Node{ID: fmt.Sprintf("speech-%d", i), BaseURL: u}
			if i < len(cfg.SpeechHealthAddrs) {
				nodes[i].HealthAddr = cfg.SpeechHealthAddrs[i]
			}
		}
		poolCfg := speechclient.DefaultPoolConfig()
		poolCfg.Nodes = nodes
		if cfg.SpeechHealthEvery > 0 {
			poolCfg.HealthCheckInterval = cfg.SpeechHealthEvery
		}
		pool, err := speechclient.NewPool(poolCfg)
		if err != nil {
			return fmt.Errorf("failed to create speech pool: %w", err)
		}
		p.speech = pool
		p.onClose(func() { _ = pool.Close() })
		speech = speechclient.New(pool, speechclient.Config{APIKey: cfg.SpeechAPIKey})
	} else {
		slog.Warn("[App] No speech gateway configured; calls run without STT, TTS or turns")
	}

	if speech != nil {
		p.pipeline = transcription.New(speech, transcription.Config{
			Window:      cfg.TranscriptionWindow,
			MaxInFlight: cfg.TranscriptionMaxInFlight,
			FlushAfter:  cfg.TranscriptionFlushAfter,
		})
		p.onClose(p.pipeline.Close)
	}

	// IVR menus
	if cfg.IVRPath != "" {
		nav, err := ivr.Load(cfg.IVRPath, slog.Default())
		if err != nil {
			return fmt.Errorf("failed to load IVR menus: %w", err)
		}
		p.navigator = nav
		p.onClose(nav.Close)
		slog.Info("[App] IVR menus loaded", "path", cfg.IVRPath, "root", nav.Tree().Root)
	}

	p.bridges = bridge.NewManager()
	p.onClose(p.bridges.CloseAll)

	// Dialogs
	p.dialogs = dialog.NewManager(dialog.Config{
		Client:        p.client,
		DialogUA:      dialogUA,
		Registrar:     dialog.NewSIPRegistrar(p.client, contact),
		Ports:         media.NewPortPool(cfg.RTPPortMin, cfg.RTPPortMax),
		BindAddr:      cfg.BindAddr,
		AdvertiseAddr: cfg.AdvertiseAddr,
		SIPPort:       cfg.Port,
		DefaultAgent:  cfg.DefaultAgent,
		DialTimeout:   cfg.DialTimeout,
	})
	p.onClose(p.dialogs.Close)

	// Sessions
	scfg := session.Config{
		Calls:         p.dialogs,
		Pipeline:      p.pipeline,
		Conversations: repo,
		CallRecords:   repo,
		Recordings:    repo,
		Navigator:     p.navigator,
		Bridges:       p.bridges,
		Publisher:     p.publisher,
		NodeID:        cfg.NodeID,
		DTMF: dtmf.Config{
			InterDigitTimeout: cfg.DTMFInterDigitTimeout,
			MaxDigits:         cfg.DTMFMaxDigits,
			Terminators:       cfg.DTMFTerminators,
		},
		Greeting:            cfg.Greeting,
		FallbackPrompt:      cfg.FallbackPrompt,
		TransferKeywords:    cfg.TransferKeywords,
		MaxCallDuration:     cfg.MaxCallDuration,
		SilenceTimeout:      cfg.SilenceTimeout,
		CollaboratorTimeout: cfg.CollaboratorTimeout,
	}
	if speech != nil {
		scfg.Synthesizer = speech
		scfg.Turns = speech
	}
	p.registry = session.NewRegistry(scfg)
	p.onClose(p.registry.Close)
	p.drainer = drain.NewCoordinator(p.registry)

	// Campaigns
	var limiter store.DialLimiter
	if p.rdb != nil {
		rl, err := store.NewRedisDialLimiter(p.rdb, dialSlotsKey, cfg.MaxConcurrentDials, dialSlotTTL)
		if err != nil {
			return fmt.Errorf("failed to create dial limiter: %w", err)
		}
		limiter = rl
	} else {
		limiter = store.NewLocalDialLimiter(cfg.MaxConcurrentDials)
	}
	p.scheduler = campaign.New(campaign.Config{
		Dialer:        p.registry,
		Outcomes:      p.registry.Subscribe(),
		Store:         repo,
		Limiter:       limiter,
		Publisher:     p.publisher,
		NodeID:        cfg.NodeID,
		TickInterval:  cfg.CampaignTick,
		SweepInterval: cfg.CampaignRetrySweep,
		Admit:         p.drainer.Admit,
	})

	// Admin API
	if cfg.APIAddr != "" {
		tokens, err := api.NewTokens(cfg.JWTSecret)
		if err != nil {
			return fmt.Errorf("admin API: %w", err)
		}
		deps := api.Deps{
			Calls:     p.registry,
			Agents:    p.dialogs,
			Campaigns: p.scheduler,
			Drain:     p.drainer,
			Tokens:    tokens,
		}
		if p.navigator != nil {
			deps.Menus = p.navigator
		}
		if p.speech != nil {
			deps.Speech = p.speech
		}
		p.apiServer = api.NewServer(cfg.APIAddr, deps)
	}

	// SIP request handlers
	p.srv.OnRequest(sip.INVITE, p.handle("INVITE", p.acceptINVITE))
	p.srv.OnRequest(sip.ACK, p.handle("ACK", p.dialogs.HandleACK))
	p.srv.OnRequest(sip.BYE, p.handle("BYE", p.dialogs.HandleBYE))
	p.srv.OnRequest(sip.CANCEL, p.handle("CANCEL", p.dialogs.HandleCANCEL))
	p.srv.OnRequest(sip.INFO, p.handle("INFO", p.dialogs.HandleINFO))

	slog.Info("[App] SIP handlers registered", "methods", "INVITE, ACK, BYE, CANCEL, INFO")
	return nil
}

// handle adapts a dialog manager handler to sipgo, answering 500 when the
// handler fails before responding itself.
func (p *CallPilot) handle(method string, fn func(*sip.Request, sip.ServerTransaction) error) sipgo.RequestHandler {
	return func(req *sip.Request, tx sip.ServerTransaction) {
		err := fn(req, tx)
		if err == nil {
			return
		}
		slog.Error("[App] Error handling request", "method", method, "call_id", callID(req), "error", err)
		if req.IsAck() {
			return
		}
		res := sip.NewResponseFromRequest(req, sip.StatusInternalServerError, "Server Error", nil)
		if err := tx.Respond(res); err != nil {
			slog.Debug("[App] Error sending error response", "method", method, "error", err)
		}
	}
}

// acceptINVITE turns new calls away while the process drains.
func (p *CallPilot) acceptINVITE(req *sip.Request, tx sip.ServerTransaction) error {
	if !p.drainer.Admit() {
		slog.Info("[App] Refusing INVITE while draining", "call_id", callID(req))
		res := sip.NewResponseFromRequest(req, sip.StatusServiceUnavailable, "Service Unavailable", nil)
		res.AppendHeader(sip.NewHeader("Retry-After", "60"))
		return tx.Respond(res)
	}
	return p.dialogs.Accept(req, tx)
}

func callID(req *sip.Request) string {
	if h := req.CallID(); h != nil {
		return h.Value()
	}
	return ""
}

// Start registers the configured agents, starts the API and then runs the
// SIP listener, session registry and campaign scheduler until ctx is done
// or one of them fails.
func (p *CallPilot) Start(ctx context.Context) error {
	cfg := p.config

	p.logAbandonedCampaigns(ctx)

	agents, err := config.LoadAgents(cfg.AgentsPath)
	if err != nil {
		return fmt.Errorf("failed to load agents: %w", err)
	}
	for _, a := range agents {
		p.registry.SetAgentProfile(a.ID, session.AgentProfile{
			Greeting:  a.Greeting,
			IVRMenu:   a.IVRMenu,
			Recording: a.Recording,
		})
		err := p.dialogs.RegisterAgent(ctx, a.ID, dialog.AgentConfig{
			DisplayName: a.DisplayName,
			Host:        a.Host,
			Port:        a.Port,
			Transport:   a.Transport,
			Username:    a.Username,
			Password:    a.Password,
			CallerID:    a.CallerID,
			Expires:     time.Duration(a.Expires) * time.Second,
		})
		if err != nil {
			// one bad account does not keep the others offline
			slog.Error("[App] Agent registration rejected", "agent_id", a.ID, "error", err)
			continue
		}
		p.agentIDs = append(p.agentIDs, a.ID)
	}
	slog.Info("[App] Agents loaded", "path", cfg.AgentsPath, "registered", len(p.agentIDs), "total", len(agents))

	if p.apiServer != nil {
		if err := p.apiServer.Start(); err != nil {
			return fmt.Errorf("failed to start API server: %w", err)
		}
	}

	listenAddr := fmt.Sprintf("%s:%d", cfg.BindAddr, cfg.Port)
	slog.Info("[App] Starting SIP server", "listenAddr", listenAddr, "transport", cfg.Transport)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := p.srv.ListenAndServe(gctx, cfg.Transport, listenAddr); err != nil && gctx.Err() == nil {
			return fmt.Errorf("SIP listener on %s: %w", listenAddr, err)
		}
		return nil
	})
	g.Go(func() error {
		return ignoreCanceled(p.registry.Run(gctx, p.dialogs.Events()))
	})
	g.Go(func() error {
		return ignoreCanceled(p.scheduler.Run(gctx))
	})
	return g.Wait()
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// logAbandonedCampaigns reports campaigns a previous process left running.
// They are not resumed.
func (p *CallPilot) logAbandonedCampaigns(ctx context.Context) {
	recs, err := p.repo.ListCampaigns(ctx)
	if err != nil {
		slog.Warn("[App] Could not list stored campaigns", "error", err)
		return
	}
	for _, rec := range recs {
		switch campaign.Status(rec.Status) {
		case campaign.StatusActive, campaign.StatusPending, campaign.StatusPaused:
			slog.Warn("[App] Campaign from a previous run is not resumed",
				"campaign_id", rec.ID, "name", rec.Name, "status", rec.Status)
		}
	}
}

// Drain refuses new calls and gives live ones the configured drain timeout
// to finish before hanging them up. Call it while Start is still running so
// call teardown is observed. A drain already started through the API is
// waited on instead.
func (p *CallPilot) Drain() {
	if p.config.DrainTimeout <= 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.config.DrainTimeout+shutdownWait)
	defer cancel()

	_, err := p.drainer.Start(ctx, drain.Request{Mode: drain.ModeAggressive, Timeout: p.config.DrainTimeout})
	if err != nil && !errors.Is(err, drain.ErrDrainInProgress) {
		slog.Warn("[App] Drain not started", "error", err)
		return
	}
	if err := p.drainer.Wait(ctx); err != nil {
		slog.Warn("[App] Drain did not finish", "error", err)
	}
}

// Close ends any remaining calls, unregisters agents and releases resources.
func (p *CallPilot) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownWait)
	defer cancel()

	if p.apiServer != nil {
		if err := p.apiServer.Stop(ctx); err != nil {
			slog.Warn("[App] API shutdown failed", "error", err)
		}
	}

	// registry.Close hangs up live sessions before dialogs go away
	if p.registry != nil {
		p.registry.Close()
	}
	for _, id := range p.agentIDs {
		if err := p.dialogs.UnregisterAgent(id); err != nil {
			slog.Debug("[App] Unregister failed", "agent_id", id, "error", err)
		}
	}
	if p.publisher != nil {
		if err := p.publisher.Flush(ctx); err != nil {
			slog.Warn("[App] Event flush incomplete", "error", err)
		}
	}

	p.runCleanup()
	slog.Info("[App] Shutdown complete")
	return nil
}
