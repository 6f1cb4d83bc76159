package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"palmcal/internal/backend/icsfile"
	"palmcal/internal/conduit"
	"palmcal/internal/config"
	"palmcal/internal/devicelink"
	"palmcal/internal/hotsync"
	appLog "palmcal/internal/log"
)

// changeDB is the change-log database inside the state directory.
const changeDB = "changes.db"

var (
	syncJSON   bool
	syncDryRun bool
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync and exit",
	Long: `Run one complete sync between the configured calendar file and the
device image, then print the session summary.

The first sync of a device (or any sync after its identity map was lost)
is a slow sync that walks every record; later ones only look at changes.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		conf, err := loadConfig()
		if err != nil {
			return err
		}
		if syncDryRun {
			scratch, cleanup, err := scratchCopy(conf)
			if err != nil {
				return err
			}
			defer cleanup()
			conf = scratch
		}
		sum, err := syncOnce(cmd.Context(), conf)
		if syncJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if jerr := enc.Encode(sum); jerr != nil {
				return jerr
			}
		} else {
			printSummary(cmd, sum)
		}
		if err != nil {
			return err
		}
		if sum.Status == conduit.StatusAborted {
			return fmt.Errorf("sync aborted: %s", sum.Reason)
		}
		return nil
	},
}

func init() {
	syncCmd.Flags().BoolVar(&syncJSON, "json", false, "Print the summary as JSON")
	syncCmd.Flags().BoolVar(&syncDryRun, "dry-run", false, "Sync a scratch copy and leave the real files untouched")
}

// syncOnce wires the calendar file, the device image and the conduit for
// one session.
func syncOnce(ctx context.Context, conf *config.Config) (conduit.Summary, error) {
	loc, err := time.LoadLocation(conf.Timezone)
	if err != nil {
		return conduit.Summary{}, fmt.Errorf("timezone %q: %w", conf.Timezone, err)
	}
	policy, err := hotsync.ParsePolicy(conf.Conflict)
	if err != nil {
		return conduit.Summary{}, err
	}
	if err := os.MkdirAll(conf.StateDir, 0o700); err != nil {
		return conduit.Summary{}, fmt.Errorf("state dir: %w", err)
	}

	img, err := devicelink.OpenImage(conf.Device.Path)
	if err != nil {
		return conduit.Summary{}, err
	}

	session := conduit.New(conduit.Options{
		Backend:     icsfile.New(conf.Calendar, filepath.Join(conf.StateDir, changeDB), loc),
		MapPath:     conf.MapPath(),
		ChangeLog:   conf.ChangeLogName(),
		OpenTimeout: conf.OpenTimeout,
	})
	driver := hotsync.Driver{Policy: policy}
	sum, err := driver.Sync(ctx, session, img)

	if cerr := img.Close(); cerr != nil {
		err = errors.Join(err, fmt.Errorf("write device image: %w", cerr))
	}
	return sum, err
}

func printSummary(cmd *cobra.Command, sum conduit.Summary) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Status:   %s (%s sync)\n", sum.Status, sum.Mode)
	if sum.Reason != "" {
		fmt.Fprintf(out, "Reason:   %s\n", sum.Reason)
	}
	fmt.Fprintf(out, "Desktop:  %d added, %d modified, %d deleted\n",
		sum.Counts.Added, sum.Counts.Modified, sum.Counts.Deleted)
	fmt.Fprintf(out, "Applied:  %d added, %d replaced, %d deleted, %d archived, %d pushed\n",
		sum.Added, sum.Replaced, sum.Deleted, sum.Archived, sum.Mapped)
	if sum.Skipped > 0 {
		fmt.Fprintf(out, "Skipped:  %d\n", sum.Skipped)
	}
	for _, e := range sum.Errors {
		fmt.Fprintf(out, "  error: %s (event %q, record %d)\n", e.Error(), e.EventID, e.DeviceID)
	}
	if !sum.Started.IsZero() {
		fmt.Fprintf(out, "Elapsed:  %s\n", sum.Finished.Sub(sum.Started).Round(time.Millisecond))
	}
}

// scratchCopy copies the calendar, the state files and the device image
// into a temporary directory and returns a config pointing there.
func scratchCopy(conf *config.Config) (*config.Config, func(), error) {
	dir, err := os.MkdirTemp("", "palmcal-dry-run-*")
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() { os.RemoveAll(dir) }

	scratch := *conf
	scratch.Calendar = filepath.Join(dir, "calendar.ics")
	scratch.StateDir = filepath.Join(dir, "state")
	scratch.Device.Path = filepath.Join(dir, "device")

	copies := [][2]string{
		{conf.Calendar, scratch.Calendar},
		{filepath.Join(conf.StateDir, changeDB), filepath.Join(scratch.StateDir, changeDB)},
		{conf.MapPath(), scratch.MapPath()},
		{filepath.Join(conf.Device.Path, devicelink.ImageFile), filepath.Join(scratch.Device.Path, devicelink.ImageFile)},
	}
	for _, c := range copies {
		if err := copyIfExists(c[0], c[1]); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("dry run: copy %s: %w", c[0], err)
		}
	}
	appLog.Info("dry run on scratch copy", "dir", dir)
	return &scratch, cleanup, nil
}

func copyIfExists(src, dst string) error {
	data, err := os.ReadFile(src)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	return config.WriteFileAtomic(dst, data, ".palmcal-copy-*.tmp")
}
