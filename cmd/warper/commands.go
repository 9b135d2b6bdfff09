package main

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"

	"github.com/ashureev/warper-ai/internal/client"
	"github.com/ashureev/warper-ai/internal/conversation"
	"github.com/ashureev/warper-ai/internal/domain"
	"github.com/urfave/cli/v2"
)

func newClient(c *cli.Context) (*client.Client, error) {
	return client.New(c.String("server"), client.WithSessionID(c.String("session-id")))
}

func signalContext(c *cli.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(c.Context, os.Interrupt)
}

func agentsCommand() *cli.Command {
	return &cli.Command{
		Name:  "agents",
		Usage: "List the available agents",
		Action: func(c *cli.Context) error {
			cl, err := newClient(c)
			if err != nil {
				return err
			}
			agents, err := cl.Agents(c.Context)
			if err != nil {
				return fmt.Errorf("list agents: %w", err)
			}
			for _, a := range agents {
				fmt.Fprintf(c.App.Writer, "%-10s %-18s %s\n", a.ID, a.Name, a.Description)
			}
			return nil
		},
	}
}

func chatCommand() *cli.Command {
	return &cli.Command{
		Name:      "chat",
		Usage:     "Send a message, or start an interactive chat when no message is given",
		ArgsUsage: "[MESSAGE]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "agent",
				Aliases: []string{"a"},
				Usage:   "Agent `ID` to talk to",
				Value:   "general",
			},
			&cli.BoolFlag{
				Name:    "persist",
				Aliases: []string{"p"},
				Usage:   "Save the conversation on the server",
			},
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "Log stream failures in detail",
			},
		},
		Action: runChat,
	}
}

func runChat(c *cli.Context) error {
	cl, err := newClient(c)
	if err != nil {
		return err
	}
	agentID := c.String("agent")

	level := slog.LevelError
	if c.Bool("verbose") {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(c.App.ErrWriter, &slog.HandlerOptions{Level: level}))

	var storeOpts []conversation.Option
	conv := domain.Conversation{AgentID: agentID}
	if c.Bool("persist") {
		created, err := cl.CreateConversation(c.Context, agentID, "")
		if err != nil {
			return fmt.Errorf("create conversation: %w", err)
		}
		conv = *created
		storeOpts = append(storeOpts, conversation.WithPersister(&client.RemotePersister{Client: cl}))
		fmt.Fprintf(c.App.ErrWriter, "conversation %s\n", conv.ID)
	}
	store := conversation.NewStore(storeOpts...)
	convID := store.Open(conv)

	session := client.NewSession(cl, store, convID, agentID,
		client.WithLogger(logger),
		client.WithErrorNotifier(func(err error) {
			fmt.Fprintf(c.App.ErrWriter, "\nError: %s\n", userMessage(err))
		}),
	)

	if c.NArg() > 0 {
		_, err := send(c, session, strings.Join(c.Args().Slice(), " "))
		return err
	}
	return repl(c, session)
}

// send streams one reply to stdout. Failures have already been shown by the
// session's notifier.
func send(c *cli.Context, s *client.Session, text string) (string, error) {
	ctx, cancel := signalContext(c)
	defer cancel()

	out := c.App.Writer
	reply, err := s.Send(ctx, text, func(delta string) { _, _ = io.WriteString(out, delta) })
	if err != nil {
		var streamErr *client.StreamError
		if errors.As(err, &streamErr) {
			return "", cli.Exit("", 1)
		}
		return "", err
	}
	fmt.Fprintln(out)
	return reply, nil
}

func repl(c *cli.Context, s *client.Session) error {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for {
		fmt.Fprint(c.App.Writer, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(c.App.Writer)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		}
		if _, err := send(c, s, line); err != nil {
			var exitErr cli.ExitCoder
			if errors.As(err, &exitErr) {
				continue
			}
			return err
		}
	}
}

// userMessage returns the text worth showing for a failed send.
func userMessage(err error) string {
	var apiErr *client.APIError
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}
	var streamErr *client.StreamError
	if errors.As(err, &streamErr) {
		if streamErr.Partial != "" {
			return "Connection lost. Please try again."
		}
		return "Failed to get response. Please try again."
	}
	return err.Error()
}

func conversationsCommand() *cli.Command {
	return &cli.Command{
		Name:      "conversations",
		Aliases:   []string{"history"},
		Usage:     "List saved conversations, or print one when an id is given",
		ArgsUsage: "[ID]",
		Action: func(c *cli.Context) error {
			cl, err := newClient(c)
			if err != nil {
				return err
			}
			if c.NArg() > 0 {
				msgs, err := cl.ConversationMessages(c.Context, c.Args().First())
				if err != nil {
					return fmt.Errorf("load conversation: %w", err)
				}
				for _, m := range msgs {
					fmt.Fprintf(c.App.Writer, "[%s] %s\n\n", m.Role, m.Content)
				}
				return nil
			}
			convs, err := cl.ListConversations(c.Context)
			if err != nil {
				return fmt.Errorf("list conversations: %w", err)
			}
			for _, conv := range convs {
				fmt.Fprintf(c.App.Writer, "%s  %-10s %s  %s\n",
					conv.ID, conv.AgentID, conv.UpdatedAt.Format("2006-01-02 15:04"), conv.Title)
			}
			return nil
		},
	}
}

func imageCommand() *cli.Command {
	return &cli.Command{
		Name:      "image",
		Usage:     "Generate an image from a prompt",
		ArgsUsage: "PROMPT",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "style",
				Usage: "realistic, digital, oil, watercolor or 3d",
				Value: "realistic",
			},
			&cli.StringFlag{
				Name:  "quality",
				Usage: "standard, high or ultra",
				Value: "standard",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() < 1 {
				return fmt.Errorf("missing required argument: PROMPT")
			}
			cl, err := newClient(c)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext(c)
			defer cancel()

			res, err := cl.GenerateImage(ctx, strings.Join(c.Args().Slice(), " "), c.String("style"), c.String("quality"))
			if err != nil {
				return fmt.Errorf("generate image: %s", userMessage(err))
			}
			fmt.Fprintln(c.App.Writer, res.ImageURL)
			return nil
		},
	}
}

func photoCommand() *cli.Command {
	return &cli.Command{
		Name:      "photo",
		Usage:     "Edit a photo with a tool or a free-form instruction",
		ArgsUsage: "FILE",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "tool",
				Usage: "enhance, upscale, colorize, restore or remove-bg",
			},
			&cli.StringFlag{
				Name:  "instruction",
				Usage: "Free-form edit instruction",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() < 1 {
				return fmt.Errorf("missing required argument: FILE")
			}
			data, err := os.ReadFile(c.Args().First())
			if err != nil {
				return fmt.Errorf("read image: %w", err)
			}
			cl, err := newClient(c)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext(c)
			defer cancel()

			res, err := cl.EditPhoto(ctx, dataURL(data), c.String("tool"), c.String("instruction"))
			if err != nil {
				return fmt.Errorf("edit photo: %s", userMessage(err))
			}
			fmt.Fprintln(c.App.Writer, res.Description)
			fmt.Fprintln(c.App.Writer, res.ImageURL)
			return nil
		},
	}
}

func dataURL(data []byte) string {
	return "data:" + http.DetectContentType(data) + ";base64," + base64.StdEncoding.EncodeToString(data)
}
