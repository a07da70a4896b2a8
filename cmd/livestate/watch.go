package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vango-dev/livestate/internal/errors"
	"github.com/vango-dev/livestate/pkg/client"
	"github.com/vango-dev/livestate/pkg/protocol"
)

func watchCmd(global *globalFlags) *cobra.Command {
	var (
		flags   clientFlags
		props   string
		room    string
		user    string
		actions []string
	)

	cmd := &cobra.Command{
		Use:   "watch COMPONENT",
		Short: "Mount a component and print its state updates",
		Long: `Mount a component and print every state update until interrupted.

With --snapshots, the signed snapshot is kept in a SQLite file. Running
the command again rehydrates the previous state instead of mounting
fresh, as long as the snapshot is still accepted by the server.

Examples:
  livestate watch Clock
  livestate watch Counter --props '{"start": 10}' --call increment --call increment
  livestate watch Counter --snapshots ./state.db`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := global.load()
			if err != nil {
				return err
			}
			flags.apply(cfg)
			if err := cfg.Validate(); err != nil {
				return err
			}

			var mountProps map[string]any
			if props != "" {
				if err := json.Unmarshal([]byte(props), &mountProps); err != nil {
					return errors.Newf(errors.CategoryCLI, "--props is not a JSON object").Wrap(err)
				}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			c, closeClient, err := openClient(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeClient()

			return runWatch(ctx, c, args[0], mountProps, room, user, actions)
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVar(&props, "props", "", "Mount props as a JSON object")
	cmd.Flags().StringVar(&room, "room", "", "Room to mount into")
	cmd.Flags().StringVar(&user, "user", "", "User id to mount as")
	cmd.Flags().StringArrayVar(&actions, "call", nil, "Invoke an action after mounting; repeatable, ACTION or ACTION=JSON")

	return cmd
}

func runWatch(ctx context.Context, c *client.Client, name string, props map[string]any, room, user string, actions []string) error {
	cp := c.NewComponent(name,
		client.WithRoom(room),
		client.WithUser(user),
		client.WithOnUpdate(func(state map[string]any, v protocol.Version) {
			fmt.Printf("%s %s\n", faint(fmt.Sprintf("v%d %-9s", v.Number, v.Source)), formatState(state))
		}),
		client.WithOnRehydrate(func(oldID, newID string) {
			info("Rehydrated %s -> %s", oldID, newID)
		}),
	)
	if err := cp.Mount(ctx, props); err != nil {
		return errors.New("L300").WithDetail("Mounting " + name + " failed.").Wrap(err)
	}
	success("Mounted %s as %s", name, cp.ID())

	for _, call := range actions {
		action, payload, _ := strings.Cut(call, "=")
		var body any
		if payload != "" {
			body = json.RawMessage(payload)
		}
		result, err := cp.Call(ctx, action, body)
		if err != nil {
			errorMsg("%s: %v", action, err)
			continue
		}
		info("%s -> %s", action, string(result))
	}

	<-ctx.Done()
	fmt.Println()

	// No unmount: the persisted snapshot stays for the next run.
	info("Detaching from %s", cp.ID())
	return nil
}

func formatState(state map[string]any) string {
	keys := make([]string, 0, len(state))
	for k := range state {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		v, _ := json.Marshal(state[k])
		parts = append(parts, k+"="+string(v))
	}
	return strings.Join(parts, " ")
}
