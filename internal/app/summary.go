package app

import (
	"fmt"
	"sort"
	"strings"

	"deltaflow/internal/config"
	"deltaflow/internal/strategy"
)

// StartupSummary is printed once at boot so an operator can eyeball the
// effective wiring without digging through config files.
type StartupSummary struct {
	Env        string
	SourceKind string
	Interval   string
	Lookback   int
	Symbols    []string
	Profiles   []ProfileSummary
	TraderOn   bool
	CycleEvery string
	HTTPAddr   string
}

type ProfileSummary struct {
	Name     string
	Enabled  bool
	Symbols  []string
	SizeUSD  float64
	StopPct  float64
	Trailing bool
}

func buildStartupSummary(cfg *config.Config, snap strategy.Snapshot, symbols []string) *StartupSummary {
	s := &StartupSummary{
		Env:        cfg.App.Env,
		SourceKind: cfg.Source.Kind,
		Interval:   cfg.Aggregator.Interval,
		Lookback:   cfg.Trader.MetricsLookbackBars,
		Symbols:    symbols,
		TraderOn:   cfg.Trader.Enabled,
		CycleEvery: cfg.Trader.CycleInterval,
		HTTPAddr:   cfg.App.HTTPAddr,
	}
	names := make([]string, 0, len(snap.Profiles))
	for name := range snap.Profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		p := snap.Profiles[name]
		s.Profiles = append(s.Profiles, ProfileSummary{
			Name:     name,
			Enabled:  p.Enabled(),
			Symbols:  p.Symbols,
			SizeUSD:  p.OrderSizeUSD,
			StopPct:  p.StopLossPct,
			Trailing: p.TrailingEnabled(),
		})
	}
	return s
}

func (s *StartupSummary) Print() {
	if s == nil {
		return
	}
	fmt.Println(strings.Repeat("=", 72))
	fmt.Println("  STARTUP SUMMARY")
	fmt.Println(strings.Repeat("=", 72))

	fmt.Println("[FEED]")
	fmt.Printf("  source:   %s\n", s.SourceKind)
	fmt.Printf("  interval: %s (lookback %d bars)\n", s.Interval, s.Lookback)
	fmt.Printf("  symbols:  %s\n", formatList(s.Symbols))
	fmt.Println()

	fmt.Println("[TRADING]")
	if s.TraderOn {
		fmt.Printf("  decision cycle: every %s\n", s.CycleEvery)
	} else {
		fmt.Println("  decision cycle: disabled (observe-only)")
	}
	for _, p := range s.Profiles {
		state := "on"
		if !p.Enabled {
			state = "off"
		}
		trail := "fixed stop"
		if p.Trailing {
			trail = "trailing"
		}
		fmt.Printf("  > %-12s [%s] %s | $%.0f/order, stop %.2f%%, %s\n",
			p.Name, state, formatList(p.Symbols), p.SizeUSD, p.StopPct, trail)
	}
	fmt.Println()

	fmt.Println("[API]")
	fmt.Printf("  listening: %s\n", s.HTTPAddr)
	fmt.Println(strings.Repeat("=", 72))
}

func formatList(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ", ")
}
