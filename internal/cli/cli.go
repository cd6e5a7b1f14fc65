package cli

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"sync"

	"renderBridge/internal/cli/commands"
	"renderBridge/internal/cli/ui"
	"renderBridge/internal/logger"

	"github.com/chzyer/readline"
)

type CLI struct {
	log               *logger.Zap
	rl                *readline.Instance
	closeOnce         sync.Once
	generationHandler *commands.GenerationHandler
	sessionHandler    *commands.SessionHandler
}

func New(jobs commands.JobService, session commands.SessionControl, log *logger.Zap) *CLI {
	cli := &CLI{
		log:               log,
		generationHandler: commands.NewGenerationHandler(jobs, log.Logger, os.Stdout),
		sessionHandler:    commands.NewSessionHandler(session, os.Stdout),
	}

	// Инициализация readline
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "> ",
		HistoryFile:     ".render-bridge-history",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		log.Warn("Не удалось инициализировать readline, будет использован fallback режим")
	} else {
		cli.rl = rl
	}

	return cli
}

func (c *CLI) readLine() (string, error) {
	if c.rl != nil {
		return c.rl.Readline()
	}
	// Fallback для работы без readline
	reader := bufio.NewReader(os.Stdin)
	print(ui.ColorCyan + "> " + ui.ColorReset)
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func (c *CLI) closeReadline() {
	c.closeOnce.Do(func() {
		if c.rl != nil {
			c.rl.Close()
		}
	})
}

// Run читает команды до exit, EOF или отмены ctx.
func (c *CLI) Run(ctx context.Context) {
	ui.PrintWelcome()
	defer c.closeReadline()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	// Закрытие readline прерывает ожидание ввода при сигнале завершения.
	go func() {
		<-ctx.Done()
		c.closeReadline()
	}()

	for {
		select {
		case <-ctx.Done():
			println("\n" + ui.ColorCyan + ui.IconWave + " Получен сигнал завершения..." + ui.ColorReset)
			return
		default:
		}

		line, err := c.readLine()
		if errors.Is(err, readline.ErrInterrupt) {
			if len(line) == 0 {
				return
			}
			continue
		} else if err != nil {
			if !errors.Is(err, io.EOF) {
				c.log.Warn("Ошибка чтения ввода")
			}
			return
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if !c.handleCommand(ctx, line) {
			return
		}
	}
}

// handleCommand возвращает false, когда пора выходить.
func (c *CLI) handleCommand(ctx context.Context, line string) bool {
	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "exit", "quit":
		println(ui.ColorCyan + ui.IconWave + " До свидания!" + ui.ColorReset)
		return false

	case "clear":
		ui.ClearScreen()

	case "attach":
		if arg == "" {
			ui.PrintHelp()
			break
		}
		c.generationHandler.Attach(arg)

	case "attachments":
		c.generationHandler.Attachments()

	case "detach":
		c.generationHandler.Detach()

	case "submit":
		c.generationHandler.Submit(ctx, arg)

	case "jobs":
		c.generationHandler.List(ctx)

	case "job":
		c.generationHandler.Status(ctx, arg)

	case "session":
		c.sessionHandler.State()

	case "open":
		c.sessionHandler.Open(ctx)

	case "close":
		c.sessionHandler.Close(ctx)

	default:
		ui.PrintHelp()
	}
	return true
}
