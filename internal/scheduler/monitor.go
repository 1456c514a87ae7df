package scheduler

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/kalambet/agentq/internal/feed"
)

// Monitor is one feed polled on its own interval.
type Monitor struct {
	Key         string // feed state key; the source URL when empty
	Name        string // shown in notifications; the feed title when empty
	Source      feed.Source
	Mode        feed.Mode
	Keywords    []string
	Destination string
	Interval    time.Duration
}

// monitorSpec is the on-disk form of a static monitor.
type monitorSpec struct {
	Name        string   `json:"name"`
	URL         string   `json:"url" validate:"required,http_url"`
	Kind        string   `json:"kind" validate:"omitempty,oneof=rss html"`
	LinkPattern string   `json:"link_pattern"`
	Limit       int      `json:"limit" validate:"gte=0"`
	Mode        string   `json:"mode" validate:"omitempty,oneof=cursor seen"`
	Keywords    []string `json:"keywords"`
	Destination string   `json:"destination"`
	Interval    string   `json:"interval"`
}

var validate = validator.New()

// LoadMonitors reads a JSON list of static monitors from path. A missing
// file yields no monitors.
func LoadMonitors(path string) ([]Monitor, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading monitors: %w", err)
	}
	return ParseMonitors(data)
}

// ParseMonitors decodes and validates a JSON list of monitors.
func ParseMonitors(data []byte) ([]Monitor, error) {
	var specs []monitorSpec
	if err := json.Unmarshal(data, &specs); err != nil {
		return nil, fmt.Errorf("decoding monitors: %w", err)
	}

	monitors := make([]Monitor, 0, len(specs))
	seen := make(map[string]bool, len(specs))
	for i, spec := range specs {
		if err := validate.Struct(spec); err != nil {
			return nil, fmt.Errorf("monitor %d (%s): %w", i, spec.URL, err)
		}
		m := Monitor{
			Key:  spec.URL,
			Name: strings.TrimSpace(spec.Name),
			Source: feed.Source{
				URL:         spec.URL,
				Kind:        feed.Kind(spec.Kind),
				LinkPattern: spec.LinkPattern,
				Limit:       spec.Limit,
			},
			Mode:        feed.Mode(spec.Mode),
			Keywords:    spec.Keywords,
			Destination: spec.Destination,
		}
		if m.Source.Kind == "" {
			m.Source.Kind = feed.KindRSS
		}
		if m.Mode == "" {
			m.Mode = feed.ModeSeen
		}
		if spec.Interval != "" {
			d, err := time.ParseDuration(spec.Interval)
			if err != nil || d <= 0 {
				return nil, fmt.Errorf("monitor %d (%s): invalid interval %q", i, spec.URL, spec.Interval)
			}
			m.Interval = d
		}
		if seen[m.Key] {
			return nil, fmt.Errorf("monitor %d: duplicate url %s", i, spec.URL)
		}
		seen[m.Key] = true
		monitors = append(monitors, m)
	}
	return monitors, nil
}

func subscriptionMonitor(sub feed.Subscription) Monitor {
	return Monitor{
		Key:         sub.StateKey(),
		Name:        sub.Name,
		Source:      feed.Source{URL: sub.URL, Kind: feed.KindRSS},
		Mode:        feed.ModeSeen,
		Destination: sub.ChatID,
	}
}
