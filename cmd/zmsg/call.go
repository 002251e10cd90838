package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/zhiqiangxu/zmsg"
	"go.uber.org/zap"
)

var (
	callItem     string
	callItemID   uint32
	callTimeout  time.Duration
	callConsume  int
	callConsumer uint32
)

var callCmd = &cobra.Command{
	Use:   "call <action> [body]",
	Short: "send one request and print the reply",
	Long: `Send one request and print its reply. With --consume, a consumer is
created first and that many delivered messages are received and acked
after the reply.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		action, err := parseAction(args[0])
		if err != nil {
			return err
		}
		itemType, err := parseItemType(callItem)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), callTimeout)
		defer cancel()

		c, err := dial(ctx)
		if err != nil {
			return err
		}
		defer c.Close()

		var cons *zmsg.Consumer
		if callConsume > 0 {
			if cons, err = openConsumer(ctx, c, callConsumer); err != nil {
				return err
			}
		}

		req := zmsg.NewFrame(action, itemType, callItemID)
		if len(args) > 1 {
			req.SetBody(zmsg.BodyText, []byte(args[1]))
		}
		reply, err := c.Call(ctx, zmsg.NewAction(req))
		if err != nil {
			return err
		}
		body, err := reply.Body(c.Codec())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s id=%d body=%q\n", reply.Action, reply.ID, body)

		for i := 0; i < callConsume; i++ {
			msg, err := cons.Receive(ctx)
			if err != nil {
				return err
			}
			body, err := msg.Body(c.Codec())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deliver consumer=%d seq=%d body=%q\n", msg.ItemID, msg.ID, body)
			if err := cons.Ack(msg); err != nil {
				return err
			}
		}
		return nil
	},
}

func init() {
	callCmd.Flags().StringVar(&callItem, "item", "session", "item type: thread|session|consumer|producer")
	callCmd.Flags().Uint32Var(&callItemID, "item-id", 1, "item id")
	callCmd.Flags().DurationVar(&callTimeout, "timeout", 10*time.Second, "overall deadline")
	callCmd.Flags().IntVar(&callConsume, "consume", 0, "receive this many messages after the reply")
	callCmd.Flags().Uint32Var(&callConsumer, "consumer", 1, "consumer id used with --consume")
}

func dial(ctx context.Context) (*zmsg.Connection, error) {
	conn, err := cfg.Connection.Build()
	if err != nil {
		return nil, err
	}
	conn.OnError = func(c *zmsg.Connection, err error) {
		if errors.Is(err, zmsg.ErrClosed) {
			return
		}
		logger.Warn("connection error", zap.Any("conn", c.GetID()), zap.Error(err))
	}
	return zmsg.Dial(ctx, conn)
}

func openConsumer(ctx context.Context, c *zmsg.Connection, id uint32) (*zmsg.Consumer, error) {
	cons, err := c.AddConsumer(id, 0)
	if err != nil {
		return nil, err
	}
	if _, err = c.Call(ctx, zmsg.NewAction(zmsg.NewFrame(zmsg.ActionCreateConsumer, zmsg.ItemConsumer, id))); err != nil {
		c.RemoveConsumer(id)
		return nil, err
	}
	return cons, nil
}

func parseAction(name string) (zmsg.ActionCode, error) {
	for a := zmsg.ActionConnect; a <= zmsg.ActionRaiseException; a++ {
		if strings.EqualFold(a.String(), name) {
			return a, nil
		}
	}
	return zmsg.ActionNone, fmt.Errorf("unknown action %q", name)
}

func parseItemType(name string) (zmsg.ItemType, error) {
	for t := zmsg.ItemThread; t <= zmsg.ItemProducer; t++ {
		if strings.EqualFold(t.String(), name) {
			return t, nil
		}
	}
	return zmsg.ItemNone, fmt.Errorf("unknown item type %q", name)
}
