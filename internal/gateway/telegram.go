package gateway

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/andrey/deskpilot/internal/orchestrator"
	"github.com/andrey/deskpilot/internal/task"
)

// Pilot is the orchestrator surface the gateway drives.
type Pilot interface {
	Start(ctx context.Context, goal string) (string, error)
	Run(ctx context.Context, taskID string) (*task.Task, error)
	Cancel(taskID string) error
	Status(taskID string) (*task.Task, error)
	Subscribe() (<-chan orchestrator.Event, func())
}

// TelegramGateway turns chat messages into goals and streams task
// lifecycle events back to the chat that started them.
type TelegramGateway struct {
	Bot   *tgbotapi.BotAPI
	Pilot Pilot

	mu     sync.Mutex
	owners map[string]int64 // task id -> chat id
	unsub  func()
}

func NewTelegramGateway(token string, pilot Pilot) (*TelegramGateway, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, err
	}

	log.Printf("Authorized on account %s", bot.Self.UserName)

	return &TelegramGateway{
		Bot:    bot,
		Pilot:  pilot,
		owners: make(map[string]int64),
	}, nil
}

func (tg *TelegramGateway) Start() error {
	events, unsub := tg.Pilot.Subscribe()
	tg.unsub = unsub
	go tg.forwardEvents(events)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := tg.Bot.GetUpdatesChan(u)

	for update := range updates {
		if update.Message == nil {
			continue
		}

		log.Printf("[%s] %s", update.Message.From.UserName, update.Message.Text)
		tg.handle(update.Message.Chat.ID, update.Message.Text)
	}
	return nil
}

func (tg *TelegramGateway) handle(chatID int64, text string) {
	text = strings.TrimSpace(text)
	switch {
	case strings.HasPrefix(text, "/status"):
		tg.reply(chatID, tg.statusReport(strings.TrimSpace(strings.TrimPrefix(text, "/status"))))

	case strings.HasPrefix(text, "/cancel"):
		id := strings.TrimSpace(strings.TrimPrefix(text, "/cancel"))
		if id == "" {
			tg.reply(chatID, "Usage: /cancel <task-id>")
			return
		}
		if err := tg.Pilot.Cancel(id); err != nil {
			tg.reply(chatID, fmt.Sprintf("Cancel failed: %v", err))
			return
		}
		tg.reply(chatID, "Cancellation requested for "+id)

	case text == "" || strings.HasPrefix(text, "/"):
		tg.reply(chatID, "Send me a goal to automate, or /status <task-id>, /cancel <task-id>.")

	default:
		tg.startGoal(chatID, text)
	}
}

func (tg *TelegramGateway) startGoal(chatID int64, goal string) {
	ctx := context.Background()
	taskID, err := tg.Pilot.Start(ctx, goal)
	if taskID != "" {
		tg.mu.Lock()
		tg.owners[taskID] = chatID
		tg.mu.Unlock()
	}
	if err != nil {
		tg.reply(chatID, fmt.Sprintf("I could not plan that: %v", err))
		return
	}
	tg.reply(chatID, fmt.Sprintf("On it. Task %s started.", shortID(taskID)))

	go func() {
		if _, err := tg.Pilot.Run(ctx, taskID); err != nil {
			log.Printf("Error running task %s: %v", taskID, err)
		}
	}()
}

func (tg *TelegramGateway) statusReport(id string) string {
	if id == "" {
		return "Usage: /status <task-id>"
	}
	t, err := tg.Pilot.Status(id)
	if err != nil {
		return fmt.Sprintf("No such task: %v", err)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Task %s: %s\nGoal: %s\n", shortID(t.ID), t.Status, t.Goal)
	if t.Plan != nil {
		for _, st := range t.Plan.Steps {
			fmt.Fprintf(&b, "  %d. %s [%s]\n", st.Ordinal, st.Tool, st.Status)
		}
	}
	return b.String()
}

// forwardEvents streams lifecycle notifications to the chat that owns
// each task. Events for tasks started elsewhere (scheduler, CLI) have
// no owner and are dropped.
func (tg *TelegramGateway) forwardEvents(events <-chan orchestrator.Event) {
	for evt := range events {
		tg.mu.Lock()
		chatID, ok := tg.owners[evt.TaskID]
		if ok && evt.Kind == orchestrator.EventTaskFinished {
			delete(tg.owners, evt.TaskID)
		}
		tg.mu.Unlock()
		if !ok {
			continue
		}
		if text := formatEvent(evt); text != "" {
			tg.reply(chatID, text)
		}
	}
}

func formatEvent(evt orchestrator.Event) string {
	switch evt.Kind {
	case orchestrator.EventStepBlocked:
		return fmt.Sprintf("🚫 Step %d (%s) blocked: %s", evt.Ordinal, evt.Tool, evt.Detail)
	case orchestrator.EventReplanned:
		return "🔁 Revising the plan: " + evt.Detail
	case orchestrator.EventTaskFinished:
		switch evt.Status {
		case task.StatusSucceeded:
			return "✅ Task " + shortID(evt.TaskID) + " succeeded."
		case task.StatusAborted:
			return "🛑 Task " + shortID(evt.TaskID) + " aborted."
		default:
			return "❌ Task " + shortID(evt.TaskID) + " failed: " + evt.Detail
		}
	}
	// Per-step chatter stays in the logs.
	return ""
}

func (tg *TelegramGateway) reply(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := tg.Bot.Send(msg); err != nil {
		log.Printf("Error sending to chat %d: %v", chatID, err)
	}
}

func (tg *TelegramGateway) Send(chatID string, text string) error {
	id := int64(0)
	fmt.Sscanf(chatID, "%d", &id)
	if id == 0 {
		return fmt.Errorf("invalid chat ID: %s", chatID)
	}

	msg := tgbotapi.NewMessage(id, text)
	msg.ParseMode = "Markdown" // Enable markdown for better alerts
	_, err := tg.Bot.Send(msg)
	return err
}

func (tg *TelegramGateway) Stop() error {
	if tg.unsub != nil {
		tg.unsub()
	}
	tg.Bot.StopReceivingUpdates()
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
