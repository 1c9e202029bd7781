// Package pr — вывод и ввод консоли оператора поверх readline.
// Init подключает readline с отменяемым stdin и переназначает stdout/stderr на его
// буферы, чтобы логи не рвали строку приглашения. До Init всё пишется в os.Stdout/os.Stderr.
package pr

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"syscall"

	"github.com/chzyer/readline"
	"github.com/go-faster/errors"
	"github.com/kr/pretty"
	"golang.org/x/term"
)

// ErrNoTerminal — readline не инициализирован.
var ErrNoTerminal = errors.New("console is not initialized")

var (
	rl     *readline.Instance
	out    io.Writer = os.Stdout
	errOut io.Writer = os.Stderr
	// mu защищает замену writer'ов и cancelableIn, но не сами записи.
	mu sync.Mutex

	// cancelableIn закрывается при shutdown: Readline получает io.EOF.
	cancelableIn interface{ Close() error }
)

// Init настраивает readline. Повторный вызов не предусмотрен.
func Init() error {
	cs := readline.NewCancelableStdin(os.Stdin)
	newRl, err := readline.NewEx(&readline.Config{Stdin: cs})
	if err != nil {
		_ = cs.Close()
		return err
	}

	mu.Lock()
	rl = newRl
	cancelableIn = cs
	out = rl.Stdout()
	errOut = rl.Stderr()
	mu.Unlock()
	return nil
}

// InterruptReadline прерывает ожидающий Readline. Идемпотентна.
func InterruptReadline() {
	mu.Lock()
	cs := cancelableIn
	mu.Unlock()
	if cs != nil {
		_ = cs.Close()
	}
}

// SetPrompt задаёт приглашение; без Init — no-op.
func SetPrompt(prompt string) {
	if r := Rl(); r != nil {
		r.SetPrompt(prompt)
	}
}

// Rl возвращает инстанс readline (nil до Init).
func Rl() *readline.Instance {
	mu.Lock()
	defer mu.Unlock()
	return rl
}

// ReadLine печатает приглашение и читает одну строку без пробелов по краям.
func ReadLine(prompt string) (string, error) {
	r := Rl()
	if r == nil {
		return "", ErrNoTerminal
	}
	r.SetPrompt(prompt)
	line, err := r.Readline()
	return strings.TrimSpace(line), err
}

// ReadPassword читает строку без эха (пароли, api_hash).
func ReadPassword(prompt string) (string, error) {
	Print(prompt)
	b, err := term.ReadPassword(syscall.Stdin)
	Println()
	if err != nil {
		return "", errors.Wrap(err, "read password")
	}
	return strings.TrimSpace(string(b)), nil
}

// Stdout — текущий writer стандартного вывода.
func Stdout() io.Writer {
	mu.Lock()
	defer mu.Unlock()
	return out
}

// Stderr — текущий writer ошибок.
func Stderr() io.Writer {
	mu.Lock()
	defer mu.Unlock()
	return errOut
}

func Print(a ...any)                 { fmt.Fprint(Stdout(), a...) }
func Println(a ...any)               { fmt.Fprintln(Stdout(), a...) }
func Printf(format string, a ...any) { fmt.Fprintf(Stdout(), format, a...) }
func ErrPrintln(a ...any)            { fmt.Fprintln(Stderr(), a...) }

// Pf возвращает pretty-строку значения (дамп строк сессий в консоли).
func Pf(v any) string {
	return fmt.Sprintf("%# v", pretty.Formatter(v))
}
