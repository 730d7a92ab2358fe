package cron

import (
	"context"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ashureev/homie-gateway/internal/domain"
	"github.com/ashureev/homie-gateway/internal/store"
)

// seedFile is the on-disk shape of an operator-maintained cron.yaml.
type seedFile struct {
	Crons []domain.CronSeed `yaml:"crons"`
}

// LoadSeeds reads path (if it exists) and upserts every entry keyed by name,
// so operators can version-control always-present jobs (spec.md §4.5
// "cron.yaml seed"). A new name is created as an active cron; an existing
// one has its schedule, command and skip_overlap updated and keeps its
// status and next run time. A missing file is not an error.
func LoadSeeds(ctx context.Context, st store.Store, path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read cron seed file: %w", err)
	}

	var file seedFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse cron seed file: %w", err)
	}

	existing, err := st.ListCrons(ctx)
	if err != nil {
		return err
	}
	byName := make(map[string]*domain.CronRecord, len(existing))
	for _, c := range existing {
		byName[c.Name] = c
	}

	now := time.Now()
	for _, seed := range file.Crons {
		if c, ok := byName[seed.Name]; ok {
			c.Schedule = seed.Schedule
			c.Command = seed.Command
			c.SkipOverlap = seed.SkipOverlap
			c.UpdatedAt = now
			if err := st.UpsertCron(ctx, c); err != nil {
				return err
			}
			continue
		}

		next, err := scheduleNextAfter(seed.Schedule, now)
		if err != nil {
			return fmt.Errorf("cron seed %q: %w", seed.Name, err)
		}
		c := &domain.CronRecord{
			CronID: domain.NewID(), Name: seed.Name, Schedule: seed.Schedule, Command: seed.Command,
			Status: domain.CronActive, SkipOverlap: seed.SkipOverlap, CreatedAt: now, UpdatedAt: now, NextRunAt: &next,
		}
		if err := st.UpsertCron(ctx, c); err != nil {
			return err
		}
	}
	return nil
}
