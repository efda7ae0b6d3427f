package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
	"github.com/woozymasta/fluster/internal/models"
)

func (a *app) stats(ctx context.Context) error {
	if err := a.printStats(os.Stdout, a.registry.Snapshot()); err != nil {
		return err
	}
	if !a.cfg.Stats.Watch {
		return nil
	}

	updates, err := a.registry.Watch(ctx)
	if err != nil {
		return err
	}
	for snap := range updates {
		fmt.Println()
		if err := a.printStats(os.Stdout, snap); err != nil {
			return err
		}
	}

	return nil
}

func (a *app) printStats(w io.Writer, snap models.Registry) error {
	filter := a.cfg.Stats.Filter
	snap = a.withInstalled(snap)
	if filter != "" {
		rec, ok := snap.Versions[filter]
		snap = models.NewRegistry()
		if ok {
			snap.Versions[filter] = rec
		}
	}

	if a.cfg.Stats.JSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	}

	sessions := make(map[string]int64)
	if a.journal != nil {
		totals, err := a.journal.Totals()
		if err != nil {
			log.Warn().Err(err).Msg("Failed to read session totals")
		}
		for _, t := range totals {
			sessions[t.Version] = t.Sessions
		}
	}

	versions := make([]string, 0, len(snap.Versions))
	for v := range snap.Versions {
		versions = append(versions, v)
	}
	sort.Strings(versions)

	tw := newTableWriter(w)
	fmt.Fprintln(tw, "VERSION\tSTATUS\tPLAY TIME\tSESSIONS\tLAST PLAYED\tSIZE")
	for _, v := range versions {
		rec := snap.Versions[v]

		status := "idle"
		if rec.IsRunning {
			status = "running"
		}
		if !a.installer.IsInstalled(v) {
			status += ", removed"
		}

		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			v,
			status,
			playTime(rec.TotalPlayTime),
			sessions[v],
			lastPlayed(rec.LastPlayed),
			humanize.IBytes(rec.SizeBytes),
		)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	return a.printHistory(w, filter)
}

// withInstalled adds installed versions that have never been played and
// measures the size of those with none recorded.
func (a *app) withInstalled(snap models.Registry) models.Registry {
	merged := snap.Clone()

	installed, err := a.installer.Versions()
	if err != nil {
		log.Warn().Err(err).Msg("Failed to list installed versions")
	}
	for _, v := range installed {
		if _, ok := merged.Versions[v]; !ok {
			merged.Versions[v] = models.VersionRecord{}
		}
	}

	for v, rec := range merged.Versions {
		if rec.SizeBytes != 0 || !a.installer.IsInstalled(v) {
			continue
		}

		size, err := a.installer.Size(v)
		if err != nil {
			log.Warn().Err(err).Str("version", v).Msg("Failed to measure version size")
			continue
		}
		rec.SizeBytes = size
		merged.Versions[v] = rec

		if a.registry != nil && size != 0 {
			a.registry.SetSize(v, size)
		}
	}

	return merged
}

func (a *app) printHistory(w io.Writer, version string) error {
	if a.journal == nil || a.cfg.Stats.History <= 0 {
		return nil
	}

	entries, err := a.journal.Recent(version, a.cfg.Stats.History)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	fmt.Fprintln(w)
	tw := newTableWriter(w)
	fmt.Fprintln(tw, "STARTED\tVERSION\tMODE\tPEER\tDURATION")
	for _, e := range entries {
		peer := "-"
		switch {
		case e.ServerIP != "":
			peer = fmt.Sprintf("%s:%d", e.ServerIP, e.ServerPort)
		case e.ServerPort != 0:
			peer = fmt.Sprintf(":%d", e.ServerPort)
		}

		duration := "playing"
		if e.EndedAt != nil {
			duration = playTime(uint64(e.Duration))
		}

		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			humanize.Time(e.StartedAt),
			e.Version,
			e.Mode,
			peer,
			duration,
		)
	}

	return tw.Flush()
}

func newTableWriter(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
}

func playTime(seconds uint64) string {
	return (time.Duration(seconds) * time.Second).String()
}

func lastPlayed(epoch uint64) string {
	if epoch == 0 {
		return "never"
	}

	return humanize.Time(time.Unix(int64(epoch), 0))
}
