// Package filter implements the alert suppression rules applied to
// intercepted signal batches. Filters are pure predicates; anything that
// needs I/O (GeoIP, database) happens before the engine runs.
package filter

import (
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/capigate/capigate/internal/config"
	"github.com/capigate/capigate/internal/models"
)

// MatchContext carries one alert plus request-scoped facts a filter may
// consult.
type MatchContext struct {
	Alert     *models.Alert
	MachineID string
	Now       time.Time
}

// MatchResult reports whether a filter fired and why.
type MatchResult struct {
	Matched    bool
	FilterName string
	Reason     string
}

// Filter is one named suppression rule.
type Filter interface {
	Name() string
	Enabled() bool
	Matches(ctx *MatchContext) MatchResult
}

// ScenarioFilter suppresses alerts whose scenario exactly matches one of the
// configured names, or contains a configured substring when the entry is
// wrapped in '*'.
type ScenarioFilter struct {
	name     string
	enabled  bool
	exact    map[string]struct{}
	contains []string
}

// NewScenarioFilter builds a scenario filter. Entries of the form "*frag*"
// match by substring, everything else matches exactly.
func NewScenarioFilter(name string, enabled bool, scenarios []string) *ScenarioFilter {
	f := &ScenarioFilter{name: name, enabled: enabled, exact: make(map[string]struct{})}
	for _, s := range scenarios {
		if strings.HasPrefix(s, "*") && strings.HasSuffix(s, "*") && len(s) > 2 {
			f.contains = append(f.contains, strings.Trim(s, "*"))
		} else {
			f.exact[s] = struct{}{}
		}
	}
	return f
}

func (f *ScenarioFilter) Name() string  { return f.name }
func (f *ScenarioFilter) Enabled() bool { return f.enabled }

func (f *ScenarioFilter) Matches(ctx *MatchContext) MatchResult {
	scenario := ctx.Alert.Scenario
	if _, ok := f.exact[scenario]; ok {
		return MatchResult{Matched: true, FilterName: f.name, Reason: "scenario " + scenario}
	}
	for _, frag := range f.contains {
		if strings.Contains(scenario, frag) {
			return MatchResult{Matched: true, FilterName: f.name, Reason: "scenario contains " + frag}
		}
	}
	return MatchResult{FilterName: f.name}
}

// IPRangeFilter suppresses alerts whose source IP falls inside any of the
// configured CIDR ranges.
type IPRangeFilter struct {
	name     string
	enabled  bool
	prefixes []netip.Prefix
}

// NewIPRangeFilter parses the CIDR list up front so the hot path never
// re-parses. Bare addresses are accepted as /32 (or /128) prefixes.
func NewIPRangeFilter(name string, enabled bool, ranges []string) (*IPRangeFilter, error) {
	f := &IPRangeFilter{name: name, enabled: enabled}
	for _, r := range ranges {
		if !strings.Contains(r, "/") {
			addr, err := netip.ParseAddr(r)
			if err != nil {
				return nil, fmt.Errorf("filter %q: invalid address %q: %w", name, r, err)
			}
			f.prefixes = append(f.prefixes, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		prefix, err := netip.ParsePrefix(r)
		if err != nil {
			return nil, fmt.Errorf("filter %q: invalid range %q: %w", name, r, err)
		}
		f.prefixes = append(f.prefixes, prefix)
	}
	return f, nil
}

func (f *IPRangeFilter) Name() string  { return f.name }
func (f *IPRangeFilter) Enabled() bool { return f.enabled }

func (f *IPRangeFilter) Matches(ctx *MatchContext) MatchResult {
	ip := ctx.Alert.SourceIP()
	if ip == "" {
		return MatchResult{FilterName: f.name}
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return MatchResult{FilterName: f.name}
	}
	for _, prefix := range f.prefixes {
		if prefix.Contains(addr) {
			return MatchResult{Matched: true, FilterName: f.name, Reason: ip + " in " + prefix.String()}
		}
	}
	return MatchResult{FilterName: f.name}
}

// MachineIDFilter suppresses every alert reported by the listed machines.
type MachineIDFilter struct {
	name     string
	enabled  bool
	machines map[string]struct{}
}

func NewMachineIDFilter(name string, enabled bool, machineIDs []string) *MachineIDFilter {
	f := &MachineIDFilter{name: name, enabled: enabled, machines: make(map[string]struct{})}
	for _, id := range machineIDs {
		f.machines[id] = struct{}{}
	}
	return f
}

func (f *MachineIDFilter) Name() string  { return f.name }
func (f *MachineIDFilter) Enabled() bool { return f.enabled }

func (f *MachineIDFilter) Matches(ctx *MatchContext) MatchResult {
	machine := ctx.MachineID
	if machine == "" {
		machine = ctx.Alert.MachineID
	}
	if _, ok := f.machines[machine]; ok {
		return MatchResult{Matched: true, FilterName: f.name, Reason: "machine " + machine}
	}
	return MatchResult{FilterName: f.name}
}

// CompositeFilter matches only when every child filter matches. Children's
// enabled flags are ignored; the composite's own flag governs.
type CompositeFilter struct {
	name     string
	enabled  bool
	children []Filter
}

func NewCompositeFilter(name string, enabled bool, children []Filter) *CompositeFilter {
	return &CompositeFilter{name: name, enabled: enabled, children: children}
}

func (f *CompositeFilter) Name() string  { return f.name }
func (f *CompositeFilter) Enabled() bool { return f.enabled }

func (f *CompositeFilter) Matches(ctx *MatchContext) MatchResult {
	if len(f.children) == 0 {
		return MatchResult{FilterName: f.name}
	}
	reasons := make([]string, 0, len(f.children))
	for _, child := range f.children {
		res := child.Matches(ctx)
		if !res.Matched {
			return MatchResult{FilterName: f.name}
		}
		reasons = append(reasons, res.Reason)
	}
	return MatchResult{Matched: true, FilterName: f.name, Reason: strings.Join(reasons, " and ")}
}

// Build constructs a filter from its config entry.
func Build(cfg config.FilterConfig) (Filter, error) {
	switch cfg.Type {
	case "scenario":
		return NewScenarioFilter(cfg.Name, cfg.Enabled, cfg.Scenarios), nil
	case "ip_range":
		return NewIPRangeFilter(cfg.Name, cfg.Enabled, cfg.Ranges)
	case "machine_id":
		return NewMachineIDFilter(cfg.Name, cfg.Enabled, cfg.MachineIDs), nil
	case "composite":
		children := make([]Filter, 0, len(cfg.Filters))
		for _, childCfg := range cfg.Filters {
			child, err := Build(childCfg)
			if err != nil {
				return nil, err
			}
			children = append(children, child)
		}
		return NewCompositeFilter(cfg.Name, cfg.Enabled, children), nil
	default:
		return nil, fmt.Errorf("filter %q: unknown type %q", cfg.Name, cfg.Type)
	}
}

// BuildAll constructs the configured filter chain, preserving order.
func BuildAll(cfgs []config.FilterConfig) ([]Filter, error) {
	filters := make([]Filter, 0, len(cfgs))
	for _, cfg := range cfgs {
		f, err := Build(cfg)
		if err != nil {
			return nil, err
		}
		filters = append(filters, f)
	}
	return filters, nil
}
