// Stratex - Multi-user spot DCA execution engine
//
// TradingView alerts arrive as webhooks, pass admission (auth, dedupe,
// distributed lock, execution pool), and become laddered DCA position
// groups on the user's exchange account. Background loops keep the rest
// honest: the fill monitor reconciles order state, the risk engine offsets
// losers against winners, and the queue promoter drains parked signals as
// pool slots free up.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/stratexbot/stratex/internal/api"
	"github.com/stratexbot/stratex/internal/config"
	"github.com/stratexbot/stratex/internal/crypto"
	"github.com/stratexbot/stratex/internal/database"
	"github.com/stratexbot/stratex/internal/exchange"
	"github.com/stratexbot/stratex/internal/feed"
	"github.com/stratexbot/stratex/internal/lockstore"
	"github.com/stratexbot/stratex/internal/logging"
	"github.com/stratexbot/stratex/internal/monitor"
	"github.com/stratexbot/stratex/internal/notify"
	"github.com/stratexbot/stratex/internal/pool"
	"github.com/stratexbot/stratex/internal/position"
	"github.com/stratexbot/stratex/internal/precision"
	"github.com/stratexbot/stratex/internal/queue"
	"github.com/stratexbot/stratex/internal/risk"
	sigrouter "github.com/stratexbot/stratex/internal/signal"
)

const version = "1.0.0"

// feedSyncInterval is how often the watched-symbol set reconverges on the
// groups actually open.
const feedSyncInterval = 30 * time.Second

func main() {
	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	ring := logging.NewRing(500)
	if err := logging.Setup(logging.Options{
		Level:       cfg.LogLevel,
		Environment: cfg.Environment,
		FilePath:    cfg.LogFilePath,
		Ring:        ring,
	}); err != nil {
		log.Fatal().Err(err).Msg("Failed to set up logging")
	}

	log.Info().
		Str("version", version).
		Str("environment", cfg.Environment).
		Str("listen", cfg.ListenAddr).
		Msg("🚀 Stratex starting...")

	// ====== STORES ======

	db, err := database.New(cfg.DatabaseURL)
	if err != nil {
		log.Error().Err(err).Msg("Failed to initialize database")
		os.Exit(2)
	}

	locks, err := lockstore.Open(cfg.LockStorePath)
	if err != nil {
		log.Error().Err(err).Msg("Failed to open lock store")
		os.Exit(2)
	}

	key, err := crypto.ParseKey(cfg.EncryptionKey)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid ENCRYPTION_KEY")
	}
	vault, err := crypto.NewVault(key)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build credential vault")
	}

	presets, err := config.LoadPresets(cfg.DCAPresetsPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load DCA presets")
	}
	log.Info().Int("presets", len(presets)).Str("default", cfg.DefaultPreset).Msg("📋 DCA presets loaded")

	// ====== EXCHANGE ACCESS ======

	gateways := exchange.NewFactory(credentialSource(db, vault))

	mode := precision.Strict
	if cfg.PrecisionLenient {
		mode = precision.Lenient
	}
	rules := precision.NewRegistry(cfg.PrecisionTTL, mode, precision.Rules{
		TickSize:    cfg.FallbackTickSize,
		StepSize:    cfg.FallbackStepSize,
		MinQty:      cfg.FallbackMinQty,
		MinNotional: cfg.FallbackMinNotional,
	}, gateways.PublicRules)

	prices := feed.NewCache()
	feeds := feed.NewService(prices)

	notifier, err := notify.New(cfg.TelegramToken, cfg.TelegramChatID, db)
	if err != nil {
		log.Warn().Err(err).Msg("⚠️ Telegram disabled: notifier failed to initialize")
	}

	// ====== ENGINE COMPONENTS ======

	positions := position.NewManager(position.Deps{
		DB:            db,
		Gateways:      gateways,
		Rules:         rules,
		Prices:        prices,
		Pool:          pool.New(db),
		Presets:       presets,
		DefaultPreset: cfg.DefaultPreset,
		Notifier:      notifier,
	})

	queueMgr := queue.NewManager(db, positions, prices, notifier)
	router := sigrouter.NewRouter(db, locks, positions, queueMgr, cfg.WebhookLockTTL)

	fillMonitor := monitor.New(db, gateways, positions, locks, cfg.FillMonitorInterval)
	promoter := queue.NewPromoter(queueMgr, locks, cfg.QueuePromoterInterval)
	engine := risk.New(risk.Deps{
		DB:             db,
		Positions:      positions,
		Rules:          rules,
		Notifier:       notifier,
		Locks:          locks,
		Interval:       cfg.RiskEngineInterval,
		ClosingTimeout: cfg.ClosingTimeout,
	})

	server := api.New(api.Deps{
		Config:    cfg,
		DB:        db,
		Locks:     locks,
		Vault:     vault,
		Signals:   router,
		Positions: positions,
		Queue:     queueMgr,
		Risk:      engine,
		Presets:   presets,
		Ring:      ring,
	})

	// ====== START ======

	feeds.Start()
	syncStop := make(chan struct{})
	go syncFeedWatches(db, feeds, syncStop)

	notifier.Start()
	fillMonitor.Start()
	engine.Start()
	promoter.Start()
	server.Start()

	live, err := db.CountLiveGroupsAll()
	if err != nil {
		log.Warn().Err(err).Msg("Live group count unavailable at startup")
	}
	queued := countQueued(db)
	notifier.Startup(cfg.Environment, live, queued)

	log.Info().Msg("✅ All systems online")
	log.Info().Msg("")
	log.Info().Msg("╔══════════════════════════════════════════╗")
	log.Info().Msg("║        STRATEX DCA ENGINE ACTIVE         ║")
	log.Info().Msg("║                                          ║")
	log.Info().Msg("║  → Webhook signals in, DCA ladders out   ║")
	log.Info().Msg("║  → Fill monitor reconciles every order   ║")
	log.Info().Msg("║  → Risk engine offsets losers vs winners ║")
	log.Info().Msgf("║  Live groups: %-4d  Queued: %-4d         ║", live, queued)
	log.Info().Msg("╚══════════════════════════════════════════╝")
	log.Info().Msg("")

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("🛑 Received shutdown signal")

	// Graceful shutdown, reverse start order. The API stops first so no new
	// work arrives while the loops drain.
	log.Info().Msg("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Stop(ctx); err != nil {
		log.Warn().Err(err).Msg("API server shutdown was not clean")
	}

	promoter.Stop()
	engine.Stop()
	fillMonitor.Stop()
	notifier.Stop()
	close(syncStop)
	feeds.Stop()

	if err := locks.Close(); err != nil {
		log.Warn().Err(err).Msg("Lock store close failed")
	}

	log.Info().Msg("👋 Goodbye!")
}

// credentialSource adapts the vault-sealed credential rows into the plain
// keys the gateway factory needs.
func credentialSource(db *database.Database, vault *crypto.Vault) exchange.CredentialSource {
	return func(_ context.Context, userID uint, exch string) (exchange.Credentials, error) {
		row, err := db.CredentialFor(userID, exch)
		if err != nil {
			return exchange.Credentials{}, err
		}
		if !row.Enabled {
			return exchange.Credentials{}, fmt.Errorf("credentials for %s are disabled", exch)
		}
		apiKey, err := vault.OpenString(row.APIKeyEncrypted)
		if err != nil {
			return exchange.Credentials{}, fmt.Errorf("unseal api key: %w", err)
		}
		apiSecret, err := vault.OpenString(row.APISecretEncrypted)
		if err != nil {
			return exchange.Credentials{}, fmt.Errorf("unseal api secret: %w", err)
		}
		return exchange.Credentials{APIKey: apiKey, APISecret: apiSecret, Paper: row.Paper}, nil
	}
}

// syncFeedWatches keeps the websocket subscription set covering every
// symbol with a live group. Watches are idempotent and never removed; a
// symbol with no group left just stops being read.
func syncFeedWatches(db *database.Database, feeds *feed.Service, stop <-chan struct{}) {
	sync := func() {
		groups, err := db.LiveGroups()
		if err != nil {
			log.Warn().Err(err).Msg("Feed sync: live group scan failed")
			return
		}
		for i := range groups {
			feeds.Watch(groups[i].Exchange, groups[i].Symbol)
		}
	}
	sync()

	ticker := time.NewTicker(feedSyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			sync()
		}
	}
}

// countQueued totals waiting signals across all users for the startup
// report. Zero on any error; the count is informational.
func countQueued(db *database.Database) int64 {
	users, err := db.UsersWithQueuedSignals()
	if err != nil {
		return 0
	}
	var total int64
	for _, uid := range users {
		n, err := db.QueueDepth(uid)
		if err != nil {
			continue
		}
		total += n
	}
	return total
}
