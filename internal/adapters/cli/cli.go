// Package cli — консоль оператора. Команды читаются через readline и работают
// напрямую с хранилищем сессий, планировщиком и сценарием получения сессии.
// Start/Stop идемпотентны и встроены в жизненный цикл приложения.
package cli

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"telegram-presence-bot/internal/domain/acquisition"
	"telegram-presence-bot/internal/domain/presence"
	"telegram-presence-bot/internal/domain/sessions"
	"telegram-presence-bot/internal/infra/logger"
	"telegram-presence-bot/internal/infra/pr"
	"telegram-presence-bot/internal/infra/storage"

	"github.com/go-faster/errors"
	"go.uber.org/zap"
)

type commandDescriptor struct {
	name        string
	usage       string
	description string
}

// Имена должны совпадать с кейсами в Execute.
var commandDescriptors = []commandDescriptor{
	{name: "help", description: "Show available commands"},
	{name: "list", description: "List stored sessions"},
	{name: "show", usage: "<owner>", description: "Dump one session (secrets redacted)"},
	{name: "enable", usage: "<owner> clock|online", description: "Turn a behavior on"},
	{name: "disable", usage: "<owner> clock|online", description: "Turn a behavior off"},
	{name: "delete", usage: "<owner>", description: "Cancel the open attempt and forget the session"},
	{name: "tick", usage: "clock|online", description: "Run one scheduler tick now"},
	{name: "login", usage: "<owner> clock|online", description: "Connect an account from this terminal"},
	{name: "backup", usage: "<path>", description: "Write a snapshot of the session store"},
	{name: "exit", description: "Stop the service"},
}

// Store — часть CredentialStore, нужная консоли.
type Store interface {
	Get(ctx context.Context, owner int64) (sessions.Session, bool, error)
	List(ctx context.Context) ([]sessions.Session, error)
	SetFlags(ctx context.Context, owner int64, patch sessions.FlagPatch) (bool, error)
	Delete(ctx context.Context, owner int64) error
}

// Backuper умеет отдать согласованный снимок хранилища (BoltStore).
type Backuper interface {
	Backup(w io.Writer) (int64, error)
}

// Ticker — планировщик.
type Ticker interface {
	RunOnce(ctx context.Context, b sessions.Behavior) (presence.TickReport, error)
}

// Flow — сценарий получения сессии.
type Flow interface {
	Start(ctx context.Context, owner int64, b sessions.Behavior) (acquisition.Reply, error)
	Submit(ctx context.Context, owner int64, input string) (acquisition.Reply, error)
	Cancel(owner int64) acquisition.Reply
}

// Input — источник ввода для login. ReadSecret не отображает ввод.
type Input interface {
	ReadLine(prompt string) (string, error)
	ReadSecret(prompt string) (string, error)
}

type terminalInput struct{}

func (terminalInput) ReadLine(prompt string) (string, error)   { return pr.ReadLine(prompt) }
func (terminalInput) ReadSecret(prompt string) (string, error) { return pr.ReadPassword(prompt) }

// Options — зависимости консоли. Backup может быть nil (не bolt-хранилище).
type Options struct {
	Store   Store
	Backup  Backuper
	Ticker  Ticker
	Flow    Flow
	StopApp context.CancelFunc
	// Input и Out по умолчанию — терминал.
	Input Input
	Out   io.Writer
}

// Service — консоль оператора.
type Service struct {
	opts      Options
	in        Input
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	onceStart sync.Once
	onceStop  sync.Once
}

// NewService создаёт консоль.
func NewService(opts Options) *Service {
	in := opts.Input
	if in == nil {
		in = terminalInput{}
	}
	return &Service{opts: opts, in: in}
}

// Start запускает цикл чтения команд в отдельной горутине.
func (s *Service) Start(ctx context.Context) {
	s.onceStart.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)
		s.cancel = cancel
		s.wg.Go(func() {
			s.run(runCtx)
		})
	})
}

// Stop прерывает readline и ждёт завершения цикла.
func (s *Service) Stop() {
	s.onceStop.Do(func() {
		pr.InterruptReadline()
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
	})
}

func (s *Service) run(ctx context.Context) {
	if pr.Rl() == nil {
		logger.Warn("cli: readline is not initialized, console disabled")
		return
	}
	logger.Debug("cli: run started")
	s.printf("Console started. Commands: %s\n", joinCommandNames(commandDescriptors))
	s.printf("Press '?' or type 'help' for details.\n")
	installKeyHandlers(s.opts.StopApp)

	defer func() {
		if rl := pr.Rl(); rl != nil {
			_ = rl.Close()
		}
	}()

	for {
		if ctx.Err() != nil {
			return
		}
		line, err := s.in.ReadLine("> ")
		if err != nil {
			logger.Debug("cli: input closed", zap.Error(err))
			return
		}
		if s.Execute(ctx, line) {
			return
		}
	}
}

// installKeyHandlers: '?' печатает справку, Ctrl-C на пустой строке
// останавливает приложение, на непустой очищает строку.
func installKeyHandlers(stop context.CancelFunc) {
	rl := pr.Rl()
	if rl == nil || rl.Config == nil {
		return
	}

	prev := rl.Config.Listener
	rl.Config.SetListener(func(line []rune, pos int, key rune) ([]rune, int, bool) {
		if key == '?' {
			for _, text := range buildCommandHelpLines(commandDescriptors) {
				pr.Println(text)
			}
			if pos > 0 && pos <= len(line) {
				trimmed := append([]rune{}, line[:pos-1]...)
				trimmed = append(trimmed, line[pos:]...)
				return trimmed, pos - 1, true
			}
			return line, pos, true
		}
		if key == 3 { //nolint: mnd // Ctrl-C (ETX)
			if strings.TrimSpace(string(line)) == "" {
				if stop != nil {
					stop()
				}
				pr.InterruptReadline()
				return line, pos, true
			}
			return []rune{}, 0, true
		}
		if prev != nil {
			return prev.OnChange(line, pos, key)
		}
		return nil, 0, false
	})
}

func (s *Service) out() io.Writer {
	if s.opts.Out != nil {
		return s.opts.Out
	}
	return pr.Stdout()
}

func (s *Service) printf(format string, a ...any) {
	fmt.Fprintf(s.out(), format, a...)
}

func (s *Service) println(a ...any) {
	fmt.Fprintln(s.out(), a...)
}

// Execute выполняет одну строку консоли. true — консоль нужно закрыть.
func (s *Service) Execute(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	cmd, args := fields[0], fields[1:]

	var err error
	switch cmd {
	case "help":
		for _, text := range buildCommandHelpLines(commandDescriptors) {
			s.println(text)
		}
	case "list":
		err = s.list(ctx)
	case "show":
		err = s.withOwner(args, 1, func(owner int64) error { return s.show(ctx, owner) })
	case "enable", "disable":
		err = s.withOwnerBehavior(args, func(owner int64, b sessions.Behavior) error {
			return s.setFlag(ctx, owner, b, cmd == "enable")
		})
	case "delete":
		err = s.withOwner(args, 1, func(owner int64) error { return s.delete(ctx, owner) })
	case "tick":
		err = s.tick(ctx, args)
	case "login":
		err = s.withOwnerBehavior(args, func(owner int64, b sessions.Behavior) error {
			return s.login(ctx, owner, b)
		})
	case "backup":
		err = s.backup(args)
	case "exit":
		if s.opts.StopApp != nil {
			s.opts.StopApp()
		}
		return true
	default:
		s.println("unknown command:", cmd)
	}
	if err != nil {
		s.printf("%s: %v\n", cmd, err)
	}
	return false
}

func (s *Service) withOwner(args []string, want int, fn func(owner int64) error) error {
	if len(args) != want {
		return errUsage
	}
	owner, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || owner <= 0 {
		return fmt.Errorf("invalid owner id %q", args[0])
	}
	return fn(owner)
}

func (s *Service) withOwnerBehavior(args []string, fn func(owner int64, b sessions.Behavior) error) error {
	return s.withOwner(args, 2, func(owner int64) error { //nolint:mnd // owner + behavior
		b, err := sessions.ParseBehavior(args[1])
		if err != nil {
			return err
		}
		return fn(owner, b)
	})
}

var errUsage = errors.New("wrong arguments, see help")

func (s *Service) list(ctx context.Context) error {
	rows, err := s.opts.Store.List(ctx)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		s.println("No sessions stored.")
		return nil
	}
	for _, row := range rows {
		s.printf("owner=%d active=%t clock=%t online=%t phone=%s updated=%s\n",
			row.OwnerID, row.Active, row.ClockEnabled, row.OnlineEnabled,
			logger.MaskPhone(row.Phone), row.UpdatedAt.Format(time.RFC3339))
	}
	s.printf("Total sessions: %d\n", len(rows))
	return nil
}

func (s *Service) show(ctx context.Context, owner int64) error {
	row, ok, err := s.opts.Store.Get(ctx, owner)
	if err != nil {
		return err
	}
	if !ok {
		s.printf("No session for owner %d.\n", owner)
		return nil
	}
	s.println(pr.Pf(row.Redacted()))
	return nil
}

func (s *Service) setFlag(ctx context.Context, owner int64, b sessions.Behavior, on bool) error {
	changed, err := s.opts.Store.SetFlags(ctx, owner, sessions.Set(b, on))
	if err != nil {
		return err
	}
	if !changed {
		if _, ok, _ := s.opts.Store.Get(ctx, owner); !ok {
			s.printf("No session for owner %d.\n", owner)
			return nil
		}
	}
	s.printf("owner=%d %s=%t (changed=%t)\n", owner, b, on, changed)
	logger.Info("cli: flag set", logger.Owner(owner), zap.String("behavior", string(b)), zap.Bool("on", on))
	return nil
}

func (s *Service) delete(ctx context.Context, owner int64) error {
	if s.opts.Flow != nil {
		s.opts.Flow.Cancel(owner)
	}
	if err := s.opts.Store.Delete(ctx, owner); err != nil {
		return err
	}
	s.printf("Session of owner %d deleted.\n", owner)
	logger.Info("cli: session deleted", logger.Owner(owner))
	return nil
}

func (s *Service) tick(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errUsage
	}
	b, err := sessions.ParseBehavior(args[0])
	if err != nil {
		return err
	}
	if s.opts.Ticker == nil {
		return errors.New("scheduler is not available")
	}
	report, err := s.opts.Ticker.RunOnce(ctx, b)
	if err != nil {
		return err
	}
	s.printf("tick %s: eligible=%d ok=%d failed=%d skipped=%d took=%s\n",
		report.Job, report.Eligible, report.Succeeded, report.Failed, report.Skipped,
		report.Took.Round(time.Millisecond))
	return nil
}

func (s *Service) backup(args []string) error {
	if len(args) != 1 {
		return errUsage
	}
	if s.opts.Backup == nil {
		return errors.New("backup is supported by the bolt store only")
	}
	var buf bytes.Buffer
	n, err := s.opts.Backup.Backup(&buf)
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	if err := storage.AtomicWriteFile(args[0], buf.Bytes()); err != nil {
		return err
	}
	s.printf("Backup written: %s (%d bytes)\n", args[0], n)
	return nil
}

func joinCommandNames(descriptors []commandDescriptor) string {
	names := make([]string, 0, len(descriptors))
	for _, d := range descriptors {
		names = append(names, d.name)
	}
	return strings.Join(names, ", ")
}

func buildCommandHelpLines(descriptors []commandDescriptor) []string {
	lines := make([]string, 0, len(descriptors)+1)
	lines = append(lines, "Available commands:")
	for _, d := range descriptors {
		lines = append(lines, fmt.Sprintf("  %-28s - %s", strings.TrimSpace(d.name+" "+d.usage), d.description))
	}
	return lines
}
