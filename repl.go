package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"walletchat/attachment"
	"walletchat/chat"
	"walletchat/models"
	"walletchat/network"
)

// chatClient is the part of client.Client the prompt drives.
type chatClient interface {
	Identity() string
	Send(peer, body string, att *models.Attachment) (models.Message, error)
	SendFile(peer, body string, raw []byte, name, mediaType string) (models.Message, error)
	MarkRead(peer string) int
	Messages(peer string) []models.Message
	Conversations() []chat.Summary
	FileAttachment(ctx context.Context, messageID string) (string, error)
	Status() network.Status
}

// runREPL reads commands from in until EOF, "quit" or ctx is done.
func runREPL(ctx context.Context, c chatClient, in io.Reader, out io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := execute(ctx, c, strings.TrimSpace(line), out); quit {
				return nil
			}
		}
	}
}

func execute(ctx context.Context, c chatClient, line string, out io.Writer) bool {
	if line == "" {
		return false
	}
	cmd, rest, _ := strings.Cut(line, " ")
	args := strings.Fields(rest)

	switch cmd {
	case "quit", "exit":
		return true
	case "status":
		status := c.Status()
		if status.Err != nil {
			fmt.Fprintf(out, "%s (%v)\n", status.State, status.Err)
			return false
		}
		fmt.Fprintln(out, status.State)
	case "send":
		peer, text := nextWord(rest)
		if peer == "" || text == "" {
			fmt.Fprintln(out, "usage: send <peer> <text>")
			return false
		}
		msg, err := c.Send(peer, text, nil)
		if err != nil {
			fmt.Fprintf(out, "send failed: %v\n", err)
			return false
		}
		fmt.Fprintf(out, "queued %s\n", msg.ID)
	case "file":
		peer, tail := nextWord(rest)
		path, caption := nextWord(tail)
		if peer == "" || path == "" {
			fmt.Fprintln(out, "usage: file <peer> <path> [caption]")
			return false
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			fmt.Fprintf(out, "read file: %v\n", err)
			return false
		}
		msg, err := c.SendFile(peer, caption, raw, filepath.Base(path), "")
		if err != nil {
			fmt.Fprintf(out, "send failed: %v\n", err)
			return false
		}
		fmt.Fprintf(out, "queued %s (%s)\n", msg.ID, attachment.HumanSize(msg.Attachment.SizeBytes))
	case "read":
		if len(args) != 1 {
			fmt.Fprintln(out, "usage: read <peer>")
			return false
		}
		fmt.Fprintf(out, "marked %d read\n", c.MarkRead(args[0]))
	case "list":
		printSummaries(out, c.Conversations())
	case "show":
		if len(args) != 1 {
			fmt.Fprintln(out, "usage: show <peer>")
			return false
		}
		for _, msg := range c.Messages(args[0]) {
			fmt.Fprintln(out, formatMessage(c.Identity(), msg))
		}
	case "save":
		if len(args) != 1 {
			fmt.Fprintln(out, "usage: save <message-id>")
			return false
		}
		digest, err := c.FileAttachment(ctx, args[0])
		if err != nil {
			fmt.Fprintf(out, "save failed: %v\n", err)
			return false
		}
		fmt.Fprintf(out, "filed %s\n", digest)
	default:
		fmt.Fprintf(out, "unknown command %q\n", cmd)
	}
	return false
}

// nextWord splits the first space-separated word off s. The remainder keeps its
// inner spacing.
func nextWord(s string) (word, rest string) {
	word, rest, _ = strings.Cut(strings.TrimLeft(s, " \t"), " ")
	return strings.TrimSpace(word), rest
}

func formatMessage(local string, msg models.Message) string {
	direction := "<-"
	if !msg.IsInbound(local) {
		direction = "->"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %s [%s] %s", msg.SentAt.Local().Format(time.Kitchen), direction, msg.Counterpart(local), msg.DeliveryState, msg.Body)
	if msg.Attachment != nil {
		preview := attachment.PreviewOf(*msg.Attachment)
		fmt.Fprintf(&b, " <%s %s, %s>", preview.Kind, msg.Attachment.Name, preview.HumanSize)
	}
	fmt.Fprintf(&b, " (%s)", msg.ID)
	return b.String()
}

func printSummaries(out io.Writer, summaries []chat.Summary) {
	if len(summaries) == 0 {
		fmt.Fprintln(out, "no conversations")
		return
	}
	for _, s := range summaries {
		last := ""
		if s.LastMessage != nil {
			last = s.LastMessage.Body
			if last == "" && s.LastMessage.Attachment != nil {
				last = "[" + s.LastMessage.Attachment.Name + "]"
			}
		}
		fmt.Fprintf(out, "%-44s unread=%-3d %s\n", s.DisplayName, s.UnreadCount, last)
	}
}

// conversationPrinter prints a line when a conversation's unread count or last
// message changes.
type conversationPrinter struct {
	out io.Writer

	mu   sync.Mutex
	seen map[string]string
}

func newConversationPrinter(out io.Writer) *conversationPrinter {
	return &conversationPrinter{out: out, seen: make(map[string]string)}
}

func (p *conversationPrinter) update(convs map[string]models.Conversation) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for peer, conv := range convs {
		key := fmt.Sprintf("%d", conv.UnreadCount)
		if conv.LastMessage != nil {
			key += "|" + conv.LastMessage.ID + "|" + string(conv.LastMessage.DeliveryState)
		}
		if p.seen[peer] == key {
			continue
		}
		p.seen[peer] = key
		if conv.LastMessage == nil {
			continue
		}
		fmt.Fprintf(p.out, "~ %s unread=%d last=%q [%s]\n", peer, conv.UnreadCount, conv.LastMessage.Body, conv.LastMessage.DeliveryState)
	}
}
