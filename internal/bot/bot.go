// Package bot is the management command surface over the chat transport.
// It is a thin layer: parse, call the repository, format a reply.
package bot

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"autosend/internal/executor"
	"autosend/internal/repo"
	"autosend/internal/schedule"
	"autosend/internal/storage"
	kit "autosend/internal/transport"
	logx "autosend/pkg/logx"
)

// Scheduler is the repository surface the commands drive.
type Scheduler interface {
	Create(ctx context.Context, s schedule.Schedule) (schedule.Schedule, error)
	Update(ctx context.Context, s schedule.Schedule) error
	Delete(ctx context.Context, id int64) error
	SetEnabled(ctx context.Context, id int64, enabled bool) error
	Get(ctx context.Context, id int64) (schedule.Schedule, error)
	List(ctx context.Context) ([]schedule.Schedule, error)
}

// JobView exposes the executor's armed jobs and recent runs for /status.
type JobView interface {
	Snapshot() []executor.PendingJob
	History() []executor.HistoryItem
}

type Dispatcher struct {
	sched   Scheduler
	store   storage.Store
	jobs    JobView
	adapter kit.Adapter
	log     logx.Logger
	loc     *time.Location

	mu     sync.RWMutex
	owners []int64
}

func New(sched Scheduler, store storage.Store, jobs JobView, adapter kit.Adapter, log logx.Logger, loc *time.Location, owners []int64) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	if loc == nil {
		loc = time.Local
	}
	return &Dispatcher{
		sched:   sched,
		store:   store,
		jobs:    jobs,
		adapter: adapter,
		log:     log,
		loc:     loc,
		owners:  append([]int64(nil), owners...),
	}
}

// SetOwners swaps the authorized user list (config reload).
func (d *Dispatcher) SetOwners(owners []int64) {
	d.mu.Lock()
	d.owners = append([]int64(nil), owners...)
	d.mu.Unlock()
}

func (d *Dispatcher) isOwner(id int64) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if len(d.owners) == 0 {
		return false
	}
	for _, o := range d.owners {
		if o == id {
			return true
		}
	}
	return false
}

// Run consumes incoming messages until ctx ends or the channel closes.
func (d *Dispatcher) Run(ctx context.Context, updates <-chan kit.Message) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-updates:
			if !ok {
				return nil
			}
			d.handle(ctx, msg)
		}
	}
}

func (d *Dispatcher) handle(ctx context.Context, msg kit.Message) {
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		return
	}

	word, rest, _ := strings.Cut(text, " ")
	word = strings.TrimPrefix(word, "/")
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	rest = strings.TrimSpace(rest)

	if !d.isOwner(msg.FromID) {
		d.reply(ctx, msg, "unauthorized")
		return
	}

	log := d.log.With(
		logx.Int64("from_id", msg.FromID),
		logx.Int64("chat_id", msg.ChatID),
		logx.String("cmd", word))

	var out string
	var err error
	switch word {
	case "add":
		out, err = d.cmdAdd(ctx, msg, rest)
	case "list":
		out, err = d.cmdList(ctx)
	case "toggle":
		out, err = d.cmdToggle(ctx, rest)
	case "del":
		out, err = d.cmdDel(ctx, rest)
	case "edit":
		out, err = d.cmdEdit(ctx, rest)
	case "status":
		out, err = d.cmdStatus(ctx)
	case "log":
		out, err = d.cmdLog(ctx, rest)
	case "help", "start":
		out = helpText
	default:
		out = "unknown command. try /help"
	}
	if err != nil {
		log.Warn("command failed", logx.Err(err))
		out = "error: " + err.Error()
	}
	if out != "" {
		d.reply(ctx, msg, out)
	}
}

func (d *Dispatcher) reply(ctx context.Context, msg kit.Message, text string) {
	rctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if _, err := d.adapter.SendText(rctx, kit.ChatTarget{ChatID: msg.ChatID}, text, nil); err != nil {
		d.log.Warn("reply failed", logx.Int64("chat_id", msg.ChatID), logx.Err(err))
	}
}

func (d *Dispatcher) cmdAdd(ctx context.Context, msg kit.Message, rest string) (string, error) {
	if rest == "" {
		return addUsage, nil
	}
	s, err := parseAdd(rest)
	if err != nil {
		return "", fmt.Errorf("%w\n%s", err, addUsage)
	}
	created, err := d.sched.Create(ctx, s)
	if err != nil {
		return "", err
	}
	next := schedule.NextOccurrence(created, time.Now().In(d.loc))
	return fmt.Sprintf("schedule #%d created for %s, next send %s",
		created.ID, created.ContactName, next.Format("Mon 15:04")), nil
}

func (d *Dispatcher) cmdList(ctx context.Context) (string, error) {
	items, err := d.sched.List(ctx)
	if err != nil {
		return "", err
	}
	if len(items) == 0 {
		return "no schedules. add one with /add", nil
	}
	var b strings.Builder
	for _, s := range items {
		state := "on"
		if !s.Enabled {
			state = "off"
		}
		fmt.Fprintf(&b, "#%d [%s] %s at %s %s -> chat %d",
			s.ID, state, s.ContactName, s.TimeOfDay(), describeFrequency(s), s.ChatID)
		if s.AIGenerated {
			b.WriteString(" (ai)")
		}
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (d *Dispatcher) cmdToggle(ctx context.Context, rest string) (string, error) {
	id, err := parseID(rest)
	if err != nil {
		return "", err
	}
	s, err := d.sched.Get(ctx, id)
	if err != nil {
		return "", describeNotFound(err, id)
	}
	if err := d.sched.SetEnabled(ctx, id, !s.Enabled); err != nil {
		return "", err
	}
	if s.Enabled {
		return fmt.Sprintf("schedule #%d disabled", id), nil
	}
	return fmt.Sprintf("schedule #%d enabled", id), nil
}

func (d *Dispatcher) cmdDel(ctx context.Context, rest string) (string, error) {
	id, err := parseID(rest)
	if err != nil {
		return "", err
	}
	if err := d.sched.Delete(ctx, id); err != nil {
		return "", describeNotFound(err, id)
	}
	return fmt.Sprintf("schedule #%d deleted", id), nil
}

func (d *Dispatcher) cmdEdit(ctx context.Context, rest string) (string, error) {
	if rest == "" {
		return "usage: /edit <id> | <HH:MM or empty> | <message or empty>", nil
	}
	id, hour, minute, message, err := parseEdit(rest)
	if err != nil {
		return "", err
	}
	s, err := d.sched.Get(ctx, id)
	if err != nil {
		return "", describeNotFound(err, id)
	}
	if hour >= 0 {
		s.Hour, s.Minute = hour, minute
	}
	if message != "" {
		s.Message = message
		if s.AIGenerated {
			s.AIContext = message
		}
	}
	if err := d.sched.Update(ctx, s); err != nil {
		return "", err
	}
	return fmt.Sprintf("schedule #%d updated", id), nil
}

func (d *Dispatcher) cmdStatus(ctx context.Context) (string, error) {
	items, err := d.sched.List(ctx)
	if err != nil {
		return "", err
	}
	enabled := 0
	for _, s := range items {
		if s.Enabled {
			enabled++
		}
	}

	pending := d.jobs.Snapshot()
	sort.Slice(pending, func(i, j int) bool { return pending[i].At.Before(pending[j].At) })

	var b strings.Builder
	fmt.Fprintf(&b, "schedules: %d (%d enabled)\narmed jobs: %d\n", len(items), enabled, len(pending))
	for _, p := range pending {
		fmt.Fprintf(&b, "  %s fires %s\n", p.Key, p.At.In(d.loc).Format("Mon 15:04"))
	}

	// History is append-ordered; show the newest few.
	runs := d.jobs.History()
	if len(runs) > statusRunLimit {
		runs = runs[len(runs)-statusRunLimit:]
	}
	if len(runs) > 0 {
		b.WriteString("recent runs:\n")
		for _, h := range runs {
			fmt.Fprintf(&b, "  %s %s took %s\n",
				h.Started.In(d.loc).Format("Mon 15:04"), h.Key, h.Duration.Round(time.Millisecond))
		}
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

const statusRunLimit = 5

func (d *Dispatcher) cmdLog(ctx context.Context, rest string) (string, error) {
	limit := 10
	if rest != "" {
		n, err := strconv.Atoi(rest)
		if err != nil || n < 1 {
			return "", fmt.Errorf("limit %q: want a positive integer", rest)
		}
		limit = n
	}
	entries, err := d.store.RecentSendLog(ctx, limit)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "send log is empty", nil
	}
	var b strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&b, "%s #%d %s", e.At.In(d.loc).Format("01-02 15:04"), e.ScheduleID, e.Outcome)
		if e.Detail != "" {
			fmt.Fprintf(&b, " (%s)", e.Detail)
		}
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func parseID(rest string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(rest), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("schedule id %q: want a number", rest)
	}
	return id, nil
}

func describeNotFound(err error, id int64) error {
	if repo.IsNotFound(err) {
		return fmt.Errorf("schedule #%d not found", id)
	}
	return err
}

func describeFrequency(s schedule.Schedule) string {
	if !s.Recurring {
		return "once"
	}
	if s.Frequency == schedule.Custom {
		return fmt.Sprintf("every %d %s", s.EffectivePeriod(), s.PeriodUnit)
	}
	return string(s.Frequency)
}

const addUsage = "usage: /add <contact> | <chat id> | <HH:MM> | <frequency> | <message> [| ai[:style]]\n" +
	"frequency: hourly, daily, weekly, monthly, once, custom:<n>:<hours|days>"

const helpText = `autosend commands:
/add <contact> | <chat id> | <HH:MM> | <frequency> | <message> [| ai[:style]]
/list - all schedules
/toggle <id> - enable or disable
/del <id> - delete
/edit <id> | <HH:MM or empty> | <message or empty>
/status - armed jobs
/log [n] - recent send outcomes
/help - this text`
