package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	portalchat "github.com/agencyhub/portalchat"
	"github.com/spf13/cobra"
)

var (
	historyOlder int
	historyJSON  bool

	sendReplyTo string
)

// ============================================================================
// history
// ============================================================================

var historyCmd = &cobra.Command{
	Use:   "history <room-id>",
	Short: "Print a room's recent messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		roomID := args[0]
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		s, err := openSession(ctx, false)
		if err != nil {
			return err
		}
		defer s.Close()

		if err := s.engine.OpenRoom(ctx, roomID, nil); err != nil {
			return err
		}
		defer s.engine.CloseRoom(roomID)

		for i := 0; i < historyOlder; i++ {
			page, err := s.engine.LoadOlder(ctx, roomID)
			if err != nil {
				return err
			}
			if len(page.Items) == 0 {
				break
			}
		}

		msgs := s.engine.Timeline(roomID)
		if historyJSON {
			return printJSON(msgs)
		}
		if len(msgs) == 0 {
			fmt.Println("No messages found.")
			return nil
		}
		for _, m := range msgs {
			printMessage(m)
		}
		return nil
	},
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <room-id> <message>",
	Short: "Send a message to a room",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		roomID, body := args[0], args[1]
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		s, err := openSession(ctx, false)
		if err != nil {
			return err
		}
		defer s.Close()

		req := portalchat.SendRequest{RoomID: roomID, Body: body}
		if sendReplyTo != "" {
			req.ParentID = &sendReplyTo
		}
		if err := s.engine.Send(ctx, req); err != nil {
			var sendErr *portalchat.SendError
			if errors.As(err, &sendErr) && sendErr.Redirect() {
				return fmt.Errorf("cannot post to %s: %s", roomID, sendErr.Kind)
			}
			return err
		}
		fmt.Printf("Message sent to %s\n", roomID)
		return nil
	},
}

// ============================================================================
// edit / delete
// ============================================================================

var editCmd = &cobra.Command{
	Use:   "edit <room-id> <message-id> <body>",
	Short: "Edit a message",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		s, err := openSession(ctx, false)
		if err != nil {
			return err
		}
		defer s.Close()

		if err := s.engine.EditMessage(ctx, args[0], args[1], args[2]); err != nil {
			return err
		}
		fmt.Println("Message updated.")
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <room-id> <message-id>",
	Short: "Delete a message",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		s, err := openSession(ctx, false)
		if err != nil {
			return err
		}
		defer s.Close()

		if err := s.engine.DeleteMessage(ctx, args[0], args[1]); err != nil {
			return err
		}
		fmt.Println("Message deleted.")
		return nil
	},
}

// ============================================================================
// read
// ============================================================================

var readCmd = &cobra.Command{
	Use:   "read <room-id>",
	Short: "Mark a room as read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		s, err := openSession(ctx, false)
		if err != nil {
			return err
		}
		defer s.Close()

		if err := s.engine.MarkRead(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("Room %s marked as read.\n", args[0])
		return nil
	},
}

// ============================================================================
// tail
// ============================================================================

var tailCmd = &cobra.Command{
	Use:   "tail <room-id>",
	Short: "Follow a room live until interrupted",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		roomID := args[0]
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		s, err := openSession(ctx, true)
		if err != nil {
			return err
		}
		defer s.Close()

		seen := make(map[string]bool)
		updates := make(chan []portalchat.Message, 16)
		s.engine.OnTimeline(func(id string, msgs []portalchat.Message) {
			if id != roomID {
				return
			}
			select {
			case updates <- msgs:
			default:
			}
		})

		if err := s.engine.OpenRoom(ctx, roomID, nil); err != nil {
			logger.Warn().Err(err).Str("room", roomID).Msg("initial load failed, waiting for updates")
		}
		defer s.engine.CloseRoom(roomID)

		show := func(msgs []portalchat.Message) {
			for _, m := range msgs {
				if m.Optimistic || seen[m.ID] {
					continue
				}
				seen[m.ID] = true
				printMessage(m)
			}
		}
		show(s.engine.Timeline(roomID))

		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		var typing []string
		for {
			select {
			case <-ctx.Done():
				return nil
			case msgs := <-updates:
				show(msgs)
			case <-ticker.C:
				now := s.engine.Typing(roomID)
				if len(now) > 0 && fmt.Sprint(now) != fmt.Sprint(typing) {
					fmt.Fprintf(os.Stderr, "... %v typing\n", now)
				}
				typing = now
			}
		}
	},
}

func init() {
	historyCmd.Flags().IntVar(&historyOlder, "older", 0, "Also load this many older pages")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Output JSON")
	sendCmd.Flags().StringVar(&sendReplyTo, "reply-to", "", "Parent message ID")

	rootCmd.AddCommand(historyCmd, sendCmd, editCmd, deleteCmd, readCmd, tailCmd)
}
