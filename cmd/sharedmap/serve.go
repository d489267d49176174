package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/gordian-engine/sharedmap"
	"github.com/gordian-engine/sharedmap/smbcast"
	"github.com/gordian-engine/sharedmap/smbcast/smfile"
	"github.com/gordian-engine/sharedmap/smbcast/smquic"
	"github.com/gordian-engine/sharedmap/smstore"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServeCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the parent replica",
		Long: `serve loads the shared document, exports it to children,
and applies commands read from stdin, one per line:

  set <key> <json>     store a value
  delete <key>         delete a key and notify children
  remove <key>...      silently remove keys (children are not notified)
  get <key>            print a value
  has <key>            print whether the value is truthy
  contains <key>       print whether the key is present
  keys                 print every key
  flush                write pending changes now`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := root.setup()
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), log, cfg, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}

func openStore(ctx context.Context, log *slog.Logger, cfg Config) (smstore.Store, error) {
	path := cfg.StorePath()
	delay := time.Duration(cfg.Store.SaveDelay)

	if cfg.Store.Backend == "sqlite" {
		return smstore.OpenSQLite(ctx, log, smstore.SQLiteConfig{
			Path:      path,
			MapKey:    cfg.SharedDataKey,
			SaveDelay: delay,
		})
	}

	if err := os.MkdirAll(cfg.ProfileDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create profile directory: %w", err)
	}
	return smstore.NewJSONFile(log, smstore.JSONFileConfig{
		Path:      path,
		SaveDelay: delay,
	}), nil
}

func runServe(ctx context.Context, log *slog.Logger, cfg Config, in io.Reader, out io.Writer) error {
	mode, err := cfg.notifyMode()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	store, err := openStore(ctx, log.With("sys", "store"), cfg)
	if err != nil {
		return err
	}

	hub := smbcast.NewHub(ctx, log.With("sys", "hub"), smbcast.HubConfig{})

	m := sharedmap.NewParent(log.With("sys", "map"), sharedmap.ParentConfig{
		SharedDataKey:  cfg.SharedDataKey,
		Store:          store,
		Publisher:      hub,
		LoadTimeout:    time.Duration(cfg.LoadTimeout),
		BroadcastDelay: time.Duration(cfg.BroadcastDelay),
		NotifyMode:     mode,
	})

	eg, egCtx := errgroup.WithContext(ctx)

	// abort stops anything already started and releases the store.
	abort := func(err error) error {
		cancel()
		_ = eg.Wait()
		_ = m.Close(context.Background())
		return err
	}

	if cfg.QUIC.Listen != "" {
		tc, err := serverTLS(log, cfg.QUIC)
		if err != nil {
			return abort(err)
		}
		s, err := smquic.NewServer(egCtx, log.With("sys", "quic"), smquic.ServerConfig{
			Hub:        hub,
			ListenAddr: cfg.QUIC.Listen,
			TLS:        tc,
		})
		if err != nil {
			return abort(err)
		}
		log.Info("Exporting over QUIC", "addr", s.Addr().String())
		eg.Go(func() error {
			s.Wait()
			return nil
		})
	}

	if cfg.SnapshotDir != "" {
		e, err := smfile.NewExporter(egCtx, log.With("sys", "export"), smfile.ExporterConfig{
			Hub: hub,
			Dir: cfg.SnapshotDir,
		})
		if err != nil {
			return abort(err)
		}
		eg.Go(func() error {
			e.Wait()
			return nil
		})
	}

	if err := m.Init(ctx); err != nil {
		return abort(err)
	}

	cmdErr := readCommands(ctx, m, in, out)

	// Close before stopping the exporters,
	// so any coalesced broadcast is delivered and exported.
	closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer closeCancel()
	closeErr := m.Close(closeCtx)

	cancel()
	return errors.Join(cmdErr, closeErr, eg.Wait())
}

// readCommands applies commands from in until it is exhausted or ctx finishes.
// Command errors are reported on out and do not stop the loop.
func readCommands(ctx context.Context, m *sharedmap.Map, in io.Reader, out io.Writer) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		sc.Buffer(nil, 1<<20)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- sc.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}
			if err := runCommand(ctx, m, line, out); err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
			}
		}
	}
}
