// Command livechat-cli is a terminal client for the live chat gateway.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"

	"github.com/capitalize-ai/livechat-sync/internal/config"
	"github.com/capitalize-ai/livechat-sync/internal/middleware"
	"github.com/capitalize-ai/livechat-sync/internal/model"
	"github.com/capitalize-ai/livechat-sync/internal/reconcile"
	"github.com/capitalize-ai/livechat-sync/pkg/client"
	"github.com/capitalize-ai/livechat-sync/pkg/logger"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	baseURL := os.Getenv("LIVECHAT_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	token := os.Getenv("LIVECHAT_TOKEN")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cmd := os.Args[1]
	args := os.Args[2:]

	if cmd != "token" && cmd != "help" && cmd != "-h" && cmd != "--help" && token == "" {
		color.Red("Error: LIVECHAT_TOKEN is not set (see 'livechat-cli token')\n")
		os.Exit(1)
	}
	c := client.New(baseURL, token, client.WithLogger(logger.NewNop()))

	var err error
	switch cmd {
	case "token":
		err = cmdToken(args)
	case "threads":
		err = cmdThreads(ctx, c, args)
	case "new":
		err = cmdNew(ctx, c)
	case "chat":
		err = cmdChat(ctx, c, args)
	case "claim":
		err = cmdClaim(ctx, c, args)
	case "resolve":
		err = cmdResolve(ctx, c, args)
	case "reopen":
		err = cmdReopen(ctx, c, args)
	case "online", "offline":
		err = cmdPresence(ctx, c, cmd == "online")
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	yellow := color.New(color.FgYellow)

	fmt.Println("Usage: livechat-cli <command> [args]")
	fmt.Println()
	yellow.Println("Commands:")
	fmt.Println("  token <subject> [--agent] [--name N]   Issue a development token (needs JWT_SECRET)")
	fmt.Println("  threads [--status S] [--waiting]       List threads")
	fmt.Println("  new                                    Create a thread and print its id")
	fmt.Println("  chat <thread-id> [--agent]             Live chat on a thread")
	fmt.Println("  claim <thread-id>                      Claim a thread (agents)")
	fmt.Println("  resolve <thread-id> <category>         Resolve a thread (agents)")
	fmt.Println("  reopen <thread-id>                     Reopen a resolved thread")
	fmt.Println("  online | offline                       Set agent presence")
	fmt.Println()
	yellow.Println("Environment:")
	fmt.Println("  LIVECHAT_URL     Gateway URL (default: http://localhost:8080)")
	fmt.Println("  LIVECHAT_TOKEN   JWT authentication token")
	fmt.Println("  JWT_SECRET       Signing secret for 'token'")
	fmt.Println()
	yellow.Println("Chat commands:")
	fmt.Println("  /agent    Ask for a human agent")
	fmt.Println("  /resend   Resend messages that were not confirmed")
	fmt.Println("  /quit     Leave the chat")
	fmt.Println()
}

func cmdToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	agent := fs.Bool("agent", false, "issue an agent token")
	name := fs.String("name", "", "display name")
	cfg := config.Load()
	ttl := fs.Duration("ttl", cfg.JWTExpiration, "token lifetime")
	if len(args) == 0 {
		return errors.New("usage: token <subject> [--agent] [--name N]")
	}
	subject := args[0]
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}

	secret := cfg.JWTSecret
	if secret == "" {
		return errors.New("JWT_SECRET is not set")
	}

	scopes := []string{middleware.ScopeCustomer}
	if *agent {
		if err := middleware.ValidateAgentID(subject); err != nil {
			return err
		}
		scopes = []string{middleware.ScopeAgent}
	}
	tok, err := middleware.IssueToken(secret, subject, *name, scopes, *ttl)
	if err != nil {
		return err
	}
	fmt.Println(tok)
	return nil
}

func cmdThreads(ctx context.Context, c *client.Client, args []string) error {
	fs := flag.NewFlagSet("threads", flag.ContinueOnError)
	status := fs.String("status", "", "open, in_progress or resolved")
	waiting := fs.Bool("waiting", false, "only threads waiting for an agent")
	if err := fs.Parse(args); err != nil {
		return err
	}

	threads, err := c.ListThreads(ctx, model.ThreadFilter{
		Status:        model.Status(*status),
		AgentRequired: *waiting,
	})
	if err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	dim := color.New(color.Faint)
	if len(threads) == 0 {
		dim.Println("No threads.")
		return nil
	}
	for _, t := range threads {
		cyan.Printf("%s  ", t.ID)
		fmt.Printf("%-11s %3d msgs", t.Status, t.MessageCount)
		if t.AssignedAgent != "" {
			fmt.Printf("  agent=%s", t.AssignedAgent)
		}
		if t.AgentRequired {
			color.New(color.FgYellow).Print("  waiting")
		}
		if t.WasReopened {
			dim.Print("  reopened")
		}
		fmt.Println()
	}
	return nil
}

func cmdNew(ctx context.Context, c *client.Client) error {
	t, err := c.CreateThread(ctx)
	if err != nil {
		return err
	}
	fmt.Println(t.ID)
	return nil
}

func cmdClaim(ctx context.Context, c *client.Client, args []string) error {
	if len(args) < 1 {
		return model.ErrMissingSelectedChat
	}
	resp, err := c.Claim(ctx, args[0])
	if errors.Is(err, model.ErrAlreadyAssigned) {
		color.Yellow("Already assigned to %s; joined as observer.\n", resp.Assigned)
		return nil
	}
	if err != nil {
		return err
	}
	color.Green("Claimed %s.\n", args[0])
	return nil
}

func cmdResolve(ctx context.Context, c *client.Client, args []string) error {
	if len(args) < 1 {
		return model.ErrMissingSelectedChat
	}
	if len(args) < 2 {
		return errors.New("usage: resolve <thread-id> <category>")
	}
	t, err := c.Resolve(ctx, args[0], model.Resolution{Category: args[1]})
	if err != nil {
		return err
	}
	color.Green("Resolved %s (%s).\n", t.ID, args[1])
	return nil
}

func cmdReopen(ctx context.Context, c *client.Client, args []string) error {
	if len(args) < 1 {
		return model.ErrMissingSelectedChat
	}
	t, err := c.Reopen(ctx, args[0])
	if err != nil {
		return err
	}
	color.Green("Reopened %s.\n", t.ID)
	return nil
}

func cmdPresence(ctx context.Context, c *client.Client, online bool) error {
	p, err := c.SetPresence(ctx, online)
	if err != nil {
		return err
	}
	state := "offline"
	if p.Online {
		state = "online"
	}
	color.Green("%s is %s.\n", p.AgentID, state)
	return nil
}

func cmdChat(ctx context.Context, c *client.Client, args []string) error {
	if len(args) < 1 {
		return model.ErrMissingSelectedChat
	}
	threadID := args[0]
	fs := flag.NewFlagSet("chat", flag.ContinueOnError)
	agent := fs.Bool("agent", false, "send as an agent")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}

	role := model.RoleUser
	if *agent {
		role = model.RoleAgent
	}

	w, err := c.Watch(ctx, threadID, client.WatchOptions{
		Role:     role,
		OnChange: printChange,
	})
	if err != nil {
		return err
	}
	defer w.Close()

	color.New(color.Faint).Printf("Connected to %s. Type /quit to leave.\n", threadID)

	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(line)
			switch line {
			case "":
				continue
			case "/quit":
				return nil
			case "/agent":
				if err := c.RequestAgent(ctx, threadID); err != nil {
					color.Red("request failed: %v\n", err)
				}
			case "/resend":
				for _, e := range w.Pending() {
					if e.State != reconcile.StateUncertain {
						continue
					}
					if err := w.Resend(ctx, e.Message.DedupKey); err != nil {
						color.Red("resend failed: %v\n", err)
					}
				}
			default:
				if _, err := w.Send(ctx, line, nil); err != nil {
					color.Red("send failed: %v\n", err)
				}
			}
		}
	}
}

func printChange(ch reconcile.Change) {
	dim := color.New(color.Faint)
	switch ch.Kind {
	case reconcile.ChangeAdded:
		printEntry(ch.Entry)
	case reconcile.ChangeConfirmed:
		dim.Printf("  ✓ delivered\n")
	case reconcile.ChangeUncertain:
		color.Yellow("  ! not confirmed: %q (type /resend)\n", ch.Entry.Message.Content)
	case reconcile.ChangeRetrying:
		dim.Printf("  ↻ resending %q\n", ch.Entry.Message.Content)
	case reconcile.ChangeStatus:
		dim.Printf("  [%s", ch.Thread.Status)
		if ch.Thread.AssignedAgent != "" {
			dim.Printf(", agent %s", ch.Thread.AssignedAgent)
		}
		dim.Println("]")
	case reconcile.ChangeReset:
		dim.Printf("  [synced: %s]\n", ch.Thread.Status)
	}
}

func printEntry(e reconcile.Entry) {
	label := color.New(color.FgCyan, color.Bold)
	switch e.Message.Role {
	case model.RoleAgent:
		label = color.New(color.FgGreen, color.Bold)
	case model.RoleSystem:
		label = color.New(color.FgYellow)
	case model.RoleAssistant:
		label = color.New(color.FgMagenta, color.Bold)
	}
	label.Printf("%s: ", e.Message.Role.Label())
	fmt.Print(e.Message.Content)
	if e.Message.Attachment != nil {
		fmt.Printf(" [%s]", e.Message.Attachment.URL)
	}
	if e.State == reconcile.StatePending {
		color.New(color.Faint).Print(" …")
	}
	fmt.Println()
}
