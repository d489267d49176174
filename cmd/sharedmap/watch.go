package main

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/gordian-engine/sharedmap"
	"github.com/gordian-engine/sharedmap/smbcast"
	"github.com/gordian-engine/sharedmap/smbcast/smfile"
	"github.com/gordian-engine/sharedmap/smbcast/smquic"
	"github.com/gordian-engine/sharedmap/smpubsub"
	"github.com/spf13/cobra"
)

func newWatchCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Run a child replica and print updates",
		Long: `watch follows the parent over QUIC (quic.addr)
or through its snapshot directory (snapshot_dir),
printing the initial document and then every update as a JSON line.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := root.setup()
			if err != nil {
				return err
			}
			return runWatch(cmd.Context(), log, cfg, cmd.OutOrStdout())
		},
	}
}

// subscriber is a broadcast subscriber with a background lifecycle.
type subscriber interface {
	smbcast.Subscriber
	Wait()
}

func openSubscriber(ctx context.Context, log *slog.Logger, cfg Config) (subscriber, error) {
	switch {
	case cfg.QUIC.Addr != "":
		tc, err := clientTLS(cfg.QUIC)
		if err != nil {
			return nil, err
		}
		return smquic.NewClient(ctx, log, smquic.ClientConfig{
			Addr: cfg.QUIC.Addr,
			TLS:  tc,
		}), nil

	case cfg.SnapshotDir != "":
		return smfile.NewWatcher(ctx, log, smfile.WatcherConfig{
			Dir: cfg.SnapshotDir,
		})

	default:
		return nil, errors.New("watch requires quic.addr or snapshot_dir")
	}
}

func runWatch(ctx context.Context, log *slog.Logger, cfg Config, out io.Writer) error {
	mode, err := cfg.notifyMode()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sub, err := openSubscriber(ctx, log.With("sys", "subscriber"), cfg)
	if err != nil {
		return err
	}

	m := sharedmap.NewChild(ctx, log.With("sys", "map"), sharedmap.ChildConfig{
		SharedDataKey: cfg.SharedDataKey,
		Subscriber:    sub,
		NotifyMode:    mode,
	})
	defer func() {
		cancel()
		m.Wait()
		sub.Wait()
	}()

	if err := m.Ready(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}

	// An update racing with the snapshot may be printed twice;
	// consumers treat lines as idempotent assignments.
	updates := m.Updates()
	snap := m.Snapshot()
	for _, k := range m.Keys() {
		v, ok := snap[k]
		if !ok {
			continue
		}
		if err := writeUpdate(out, sharedmap.Update{Key: k, Value: v}); err != nil {
			return err
		}
	}

	err = smpubsub.Follow(ctx, updates, func(u sharedmap.Update) error {
		return writeUpdate(out, u)
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
