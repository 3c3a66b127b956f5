package notify

import (
	"fmt"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/stratexbot/stratex/internal/database"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TELEGRAM NOTIFIER - Trade alerts & operator commands
// ═══════════════════════════════════════════════════════════════════════════════
//
// One bot serves every user: alerts route to the chat registered on the
// user row, falling back to the ops chat when a user has none. Commands
// are answered from whichever chat asks, scoped to the user that chat
// belongs to.
//
//   📊 Entry / pyramid / queue alerts
//   💰 TP fills and closes
//   ⚖️ Risk-engine offset reports
//   🎛️ /status /positions /queue /ping
//
// ═══════════════════════════════════════════════════════════════════════════════

// Notifier is the Telegram surface. A nil *Notifier is valid and silently
// drops everything, so callers never guard their alert calls.
type Notifier struct {
	mu      sync.Mutex
	api     *tgbotapi.BotAPI
	opsChat int64
	db      *database.Database
	running bool
	stopCh  chan struct{}
}

// New builds the notifier. An empty token disables Telegram entirely and
// returns a nil notifier, which every method tolerates.
func New(token string, opsChatID int64, db *database.Database) (*Notifier, error) {
	if token == "" {
		return nil, nil
	}

	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	n := &Notifier{
		api:     api,
		opsChat: opsChatID,
		db:      db,
		stopCh:  make(chan struct{}),
	}

	log.Info().Str("username", api.Self.UserName).Msg("🤖 Telegram notifier initialized")

	return n, nil
}

// Start begins listening for commands.
func (n *Notifier) Start() {
	if n == nil {
		return
	}
	n.mu.Lock()
	if n.running {
		n.mu.Unlock()
		return
	}
	n.running = true
	n.mu.Unlock()

	go n.commandLoop()
	log.Info().Msg("📱 Telegram notifier started")
}

// Stop stops the command loop.
func (n *Notifier) Stop() {
	if n == nil {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.running {
		return
	}

	n.running = false
	close(n.stopCh)
	log.Info().Msg("Telegram notifier stopped")
}

// chatFor resolves the destination chat for a user's alert. Zero means
// nowhere to send.
func (n *Notifier) chatFor(userID uint) int64 {
	if n.db != nil {
		if user, err := n.db.UserByID(userID); err == nil && user.TelegramChatID != 0 {
			return user.TelegramChatID
		}
	}
	return n.opsChat
}

// ═══════════════════════════════════════════════════════════════════════════════
// NOTIFICATIONS
// ═══════════════════════════════════════════════════════════════════════════════

// Startup announces the engine coming up.
func (n *Notifier) Startup(env string, liveGroups int64, queued int64) {
	if n == nil {
		return
	}

	msg := fmt.Sprintf(`🚀 *STRATEX STARTED*
━━━━━━━━━━━━━━━━━━━━

🌐 Environment: *%s*
💼 Live groups: *%d*
⏳ Queued signals: *%d*

Use /help for commands`, env, liveGroups, queued)

	n.sendMarkdown(n.opsChat, msg)
}

// GroupOpened reports a new position group taking its first pyramid.
func (n *Notifier) GroupOpened(group *database.PositionGroup, capital decimal.Decimal, accepted, planned int) {
	if n == nil || group == nil {
		return
	}

	emoji := "✅"
	note := "all legs resting"
	if accepted < planned {
		emoji = "⚠️"
		note = fmt.Sprintf("%d of %d legs accepted", accepted, planned)
	}

	msg := fmt.Sprintf(`%s *POSITION OPENED*

📊 %s %s — %s
━━━━━━━━━━━━━━━━
💵 Base entry: *%s*
📦 Capital: *$%s*
🪜 Legs: *%d* (%s)
🏷️ Group: #%d`,
		emoji,
		group.Symbol, group.Timeframe, group.Exchange,
		group.BaseEntryPrice.String(),
		capital.StringFixed(2),
		planned, note,
		group.ID,
	)

	n.sendMarkdown(n.chatFor(group.UserID), msg)
}

// PyramidAdded reports a continuation stacking onto a live group.
func (n *Notifier) PyramidAdded(group *database.PositionGroup, pyramidIndex, accepted, planned int) {
	if n == nil || group == nil {
		return
	}

	msg := fmt.Sprintf(`🪜 *PYRAMID %d ADDED*

📊 %s %s — %s
💵 Entry: *%s*
📦 Legs: *%d/%d accepted*
🏷️ Group: #%d (%d pyramids)`,
		pyramidIndex+1,
		group.Symbol, group.Timeframe, group.Exchange,
		group.BaseEntryPrice.String(),
		accepted, planned,
		group.ID, group.PyramidCount,
	)

	n.sendMarkdown(n.chatFor(group.UserID), msg)
}

// SignalQueued reports an entry parked behind the execution pool.
func (n *Notifier) SignalQueued(sig *database.QueuedSignal) {
	if n == nil || sig == nil {
		return
	}

	kind := "entry"
	if sig.IsPyramidContinuation {
		kind = "pyramid continuation"
	}

	msg := fmt.Sprintf(`⏳ *SIGNAL QUEUED*

📊 %s %s — %s
💵 Entry: *%s*
🧮 Priority: *%.0f*
📝 Pool full — %s waiting`,
		sig.Symbol, sig.Timeframe, sig.Exchange,
		sig.EntryPrice.String(),
		sig.PriorityScore,
		kind,
	)

	n.sendMarkdown(n.chatFor(sig.UserID), msg)
}

// SignalPromoted reports a queued entry winning a freed slot.
func (n *Notifier) SignalPromoted(sig *database.QueuedSignal) {
	if n == nil || sig == nil {
		return
	}

	waited := "?"
	if sig.PromotedAt != nil {
		waited = sig.PromotedAt.Sub(sig.QueuedAt).Round(time.Second).String()
	}

	msg := fmt.Sprintf(`🎟️ *SIGNAL PROMOTED*

📊 %s %s — %s
⏱️ Waited: *%s*
🧮 Score: *%.0f*`,
		sig.Symbol, sig.Timeframe, sig.Exchange,
		waited,
		sig.PriorityScore,
	)

	n.sendMarkdown(n.chatFor(sig.UserID), msg)
}

// TPHit reports a take-profit fill on one leg or a whole group.
func (n *Notifier) TPHit(group *database.PositionGroup, scope string, price, qty, pnl decimal.Decimal) {
	if n == nil || group == nil {
		return
	}

	sign := "+"
	if pnl.IsNegative() {
		sign = ""
	}

	msg := fmt.Sprintf(`💰 *TAKE PROFIT HIT*

📊 %s — %s
🎯 %s
💵 Price: *%s* | Qty: *%s*
📈 P&L: *%s$%s*
🏷️ Group: #%d`,
		group.Symbol, group.Exchange,
		scope,
		price.String(), qty.String(),
		sign, pnl.StringFixed(2),
		group.ID,
	)

	n.sendMarkdown(n.chatFor(group.UserID), msg)
}

// GroupClosed reports a group reaching a terminal state.
func (n *Notifier) GroupClosed(group *database.PositionGroup, reason string) {
	if n == nil || group == nil {
		return
	}

	emoji := "📈"
	if group.RealizedPnLUSD.IsNegative() {
		emoji = "📉"
	}

	sign := "+"
	if group.RealizedPnLUSD.IsNegative() {
		sign = ""
	}

	msg := fmt.Sprintf(`%s *POSITION CLOSED*

📊 %s %s — %s
💵 Realized P&L: *%s$%s*
📝 %s
🏷️ Group: #%d`,
		emoji,
		group.Symbol, group.Timeframe, group.Exchange,
		sign, group.RealizedPnLUSD.StringFixed(2),
		reason,
		group.ID,
	)

	n.sendMarkdown(n.chatFor(group.UserID), msg)
}

// RiskClose reports an engine offset: winners harvested against a loser.
func (n *Notifier) RiskClose(action *database.RiskAction, loserSymbol string, winners int) {
	if n == nil || action == nil {
		return
	}

	verb := "fully closed"
	if action.ActionType == database.RiskActionPartialClose {
		verb = "partially closed"
	}

	sign := "+"
	if action.PnLUSD.IsNegative() {
		sign = ""
	}

	msg := fmt.Sprintf(`⚖️ *RISK OFFSET EXECUTED*
━━━━━━━━━━━━━━━━━━━━

📉 Loser: *%s* %s
🏆 Winners combined: *%d*
💵 Net P&L: *%s$%s*
💰 Notional: *$%s*
⏱️ Took: *%ds*`,
		loserSymbol, verb,
		winners,
		sign, action.PnLUSD.StringFixed(2),
		action.NotionalUSD.StringFixed(2),
		action.DurationSeconds,
	)

	n.sendMarkdown(n.chatFor(action.UserID), msg)
}

// Error pushes an operational failure to the user's chat.
func (n *Notifier) Error(userID uint, context string, err error) {
	if n == nil || err == nil {
		return
	}

	msg := fmt.Sprintf("⚠️ *ERROR*\n\n%s\n`%s`", context, err.Error())
	n.sendMarkdown(n.chatFor(userID), msg)
}

// ═══════════════════════════════════════════════════════════════════════════════
// COMMAND HANDLING
// ═══════════════════════════════════════════════════════════════════════════════

func (n *Notifier) commandLoop() {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30

	updates := n.api.GetUpdatesChan(u)

	for {
		select {
		case <-n.stopCh:
			return
		case update := <-updates:
			if update.Message == nil || !update.Message.IsCommand() {
				continue
			}
			n.handleCommand(update.Message)
		}
	}
}

func (n *Notifier) handleCommand(msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	cmd := strings.ToLower(msg.Command())

	switch cmd {
	case "start", "help":
		n.cmdHelp(chatID)
	case "status":
		n.cmdStatus(chatID)
	case "positions":
		n.cmdPositions(chatID)
	case "queue":
		n.cmdQueue(chatID)
	case "ping":
		n.send(chatID, "🏓 Pong!")
	default:
		n.send(chatID, "❓ Unknown command. Use /help")
	}
}

func (n *Notifier) cmdHelp(chatID int64) {
	msg := `🤖 *STRATEX COMMANDS*
━━━━━━━━━━━━━━━━━━━━

📊 /status — Engine status
💼 /positions — Your open groups
⏳ /queue — Your queued signals
🏓 /ping — Test connection

━━━━━━━━━━━━━━━━━━━━
Stratex — DCA grid execution`

	n.sendMarkdown(chatID, msg)
}

func (n *Notifier) cmdStatus(chatID int64) {
	if n.db == nil {
		n.send(chatID, "❌ Status not available")
		return
	}

	live, err := n.db.CountLiveGroupsAll()
	if err != nil {
		n.send(chatID, "❌ Failed to read status")
		return
	}
	queued, _ := n.db.QueueDepth(0)

	msg := fmt.Sprintf(`📊 *ENGINE STATUS*
━━━━━━━━━━━━━━━━━━━━

🟢 RUNNING
💼 Live groups: *%d*
⏳ Queued signals: *%d*`,
		live, queued,
	)

	n.sendMarkdown(chatID, msg)
}

func (n *Notifier) cmdPositions(chatID int64) {
	user := n.userFor(chatID)
	if user == nil {
		n.send(chatID, "❌ This chat is not linked to a user")
		return
	}

	groups, err := n.db.LiveGroupsForUser(user.ID)
	if err != nil {
		n.send(chatID, "❌ Failed to fetch positions")
		return
	}

	if len(groups) == 0 {
		n.send(chatID, "📭 No open positions")
		return
	}

	msg := "💼 *OPEN POSITIONS*\n━━━━━━━━━━━━━━━━━━━━\n\n"

	for i, g := range groups {
		pnlEmoji := "📈"
		sign := "+"
		if g.UnrealizedPnLUSD.IsNegative() {
			pnlEmoji = "📉"
			sign = ""
		}

		msg += fmt.Sprintf(`%s *%s* %s — %s
💵 Avg entry: %s | Invested: $%s
🪜 Pyramids: %d | Legs: %d/%d
📊 P&L: %s$%s (%s%%)

`,
			pnlEmoji, g.Symbol, g.Timeframe, g.Status,
			g.WeightedAvgEntry.String(),
			g.TotalInvestedUSD.StringFixed(2),
			g.PyramidCount, g.FilledDCALegs, g.TotalDCALegs,
			sign, g.UnrealizedPnLUSD.StringFixed(2),
			g.UnrealizedPnLPercent.StringFixed(2),
		)

		if i >= 4 {
			msg += fmt.Sprintf("_... and %d more_", len(groups)-5)
			break
		}
	}

	n.sendMarkdown(chatID, msg)
}

func (n *Notifier) cmdQueue(chatID int64) {
	user := n.userFor(chatID)
	if user == nil {
		n.send(chatID, "❌ This chat is not linked to a user")
		return
	}

	sigs, err := n.db.QueuedForUser(user.ID)
	if err != nil {
		n.send(chatID, "❌ Failed to fetch queue")
		return
	}

	if len(sigs) == 0 {
		n.send(chatID, "📭 Queue is empty")
		return
	}

	msg := "⏳ *QUEUED SIGNALS*\n━━━━━━━━━━━━━━━━━━━━\n\n"

	for _, s := range sigs {
		kind := "🆕"
		if s.IsPyramidContinuation {
			kind = "🪜"
		}
		msg += fmt.Sprintf("%s %s %s @ %s — score %.0f, waited %s\n",
			kind, s.Symbol, s.Timeframe,
			s.EntryPrice.String(),
			s.PriorityScore,
			time.Since(s.QueuedAt).Round(time.Second),
		)
	}

	n.sendMarkdown(chatID, msg)
}

func (n *Notifier) userFor(chatID int64) *database.User {
	if n.db == nil {
		return nil
	}
	user, err := n.db.UserByTelegramChat(chatID)
	if err != nil {
		return nil
	}
	return user
}

// ═══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ═══════════════════════════════════════════════════════════════════════════════

func (n *Notifier) send(chatID int64, text string) {
	if chatID == 0 {
		return
	}
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := n.api.Send(msg); err != nil {
		log.Error().Err(err).Msg("Failed to send Telegram message")
	}
}

func (n *Notifier) sendMarkdown(chatID int64, text string) {
	if chatID == 0 {
		return
	}
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = "Markdown"
	if _, err := n.api.Send(msg); err != nil {
		log.Error().Err(err).Msg("Failed to send Telegram message")
	}
}
