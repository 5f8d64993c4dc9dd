package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"github.com/spf13/cobra"

	"github.com/mtzanidakis/indexswap/internal/store"
)

func newBackupCmd(opts *rootOptions) *cobra.Command {
	var outputPath string
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Write a compressed snapshot of the session store",
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := opts.openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			size, err := backupStore(cmd.Context(), db, outputPath)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Backup complete: %s\n", formatSize(size))
			return err
		},
	}
	cmd.Flags().StringVarP(&outputPath, "file", "f", "", "output path (.db.zst)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newRestoreCmd(opts *rootOptions) *cobra.Command {
	var (
		inputPath string
		overwrite bool
	)
	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Restore the session store from a backup",
		Long:  "Restore the session store from a backup. The service must not be running.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if err := restoreStore(inputPath, cfg.Store.Path, overwrite); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Restored %s\n", cfg.Store.Path)
			return err
		},
	}
	cmd.Flags().StringVarP(&inputPath, "file", "f", "", "backup to restore (.db.zst)")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "replace an existing database")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

// backupStore snapshots db and compresses the snapshot into outputPath. It
// returns the compressed size.
func backupStore(ctx context.Context, db *store.Store, outputPath string) (int64, error) {
	tmpDir, err := os.MkdirTemp("", "indexswap-backup-")
	if err != nil {
		return 0, fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	snapshot := filepath.Join(tmpDir, "snapshot.db")
	if err := db.Snapshot(ctx, snapshot); err != nil {
		return 0, err
	}

	in, err := os.Open(snapshot)
	if err != nil {
		return 0, fmt.Errorf("open snapshot: %w", err)
	}
	defer in.Close()

	f, err := os.Create(outputPath)
	if err != nil {
		return 0, fmt.Errorf("create output file: %w", err)
	}
	defer f.Close()

	zw, err := zstd.NewWriter(f)
	if err != nil {
		return 0, fmt.Errorf("create zstd writer: %w", err)
	}
	defer zw.Close()

	if _, err := io.Copy(zw, in); err != nil {
		return 0, fmt.Errorf("compress snapshot: %w", err)
	}

	// Close explicitly to catch write errors
	if err := zw.Close(); err != nil {
		return 0, fmt.Errorf("close zstd: %w", err)
	}
	if err := f.Close(); err != nil {
		return 0, fmt.Errorf("close file: %w", err)
	}

	info, err := os.Stat(outputPath)
	if err != nil {
		return 0, err
	}
	slog.Info("store backed up", "path", outputPath)
	return info.Size(), nil
}

// restoreStore decompresses inputPath into dbPath.
func restoreStore(inputPath, dbPath string, overwrite bool) error {
	if _, err := os.Stat(dbPath); err == nil && !overwrite {
		return fmt.Errorf("database %s already exists, add --overwrite to replace it", dbPath)
	} else if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat database: %w", err)
	}

	f, err := os.Open(inputPath)
	if err != nil {
		return fmt.Errorf("open backup: %w", err)
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return fmt.Errorf("create zstd reader: %w", err)
	}
	defer zr.Close()

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	tmp := dbPath + ".restore"
	out, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create database: %w", err)
	}
	if _, err := io.Copy(out, zr); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("decompress backup: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close database: %w", err)
	}

	// Stale WAL files would be replayed over the restored database.
	for _, suffix := range []string{"-wal", "-shm"} {
		_ = os.Remove(dbPath + suffix)
	}
	if err := os.Rename(tmp, dbPath); err != nil {
		return fmt.Errorf("install database: %w", err)
	}
	return nil
}

func formatSize(bytes int64) string {
	const (
		kb = 1024
		mb = kb * 1024
		gb = mb * 1024
	)
	switch {
	case bytes >= gb:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(gb))
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d bytes", bytes)
	}
}
