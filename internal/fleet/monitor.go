package fleet

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"session-hub/internal/metrics"
	"session-hub/internal/model"
)

const (
	defaultPollInterval   = 30 * time.Second
	defaultCommandTimeout = 10 * time.Second
	defaultConcurrency    = 8
	defaultProcessPattern = "session-worker"
)

type MonitorConfig struct {
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	CommandTimeout time.Duration `mapstructure:"command_timeout"`
	Concurrency    int           `mapstructure:"concurrency"`
	ProcessPattern string        `mapstructure:"process_pattern"`
	LatencyCeiling time.Duration `mapstructure:"latency_ceiling"`
}

// AccountCounter yields the authoritative per-server account counts.
type AccountCounter interface {
	CountByServer(ctx context.Context) (map[string]int, error)
}

type CountSource string

const (
	CountFromRegistry    CountSource = "registry"
	CountFromRemoteFiles CountSource = "remote_files"
	CountFromLastKnown   CountSource = "last_known"
	CountUnknown         CountSource = "unknown"
)

// AccountCount is the resolved account count of one node together with
// where it came from. Anything but the registry is a degraded answer.
type AccountCount struct {
	Value  int
	Source CountSource
}

func (c AccountCount) Degraded() bool {
	return c.Source != CountFromRegistry
}

type registryCounts struct {
	counts map[string]int
	err    error
}

type remoteProbe struct {
	cpu          float64
	memory       float64
	disk         float64
	processCount int
	sessionFiles int
	latency      time.Duration
}

// Monitor polls every configured node through the remote executor. A node
// that cannot be probed is reported with status "error" instead of failing
// the poll.
type Monitor struct {
	cfg      MonitorConfig
	nodes    []model.ServerNode
	executor RemoteExecutor
	counter  AccountCounter
	logger   *zap.Logger

	mu          sync.RWMutex
	latest      map[string]model.ServerMetrics
	lastKnown   map[string]int
	quarantined map[string]bool
}

func NewMonitor(cfg MonitorConfig, nodes []model.ServerNode, executor RemoteExecutor, counter AccountCounter, logger *zap.Logger) *Monitor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = defaultCommandTimeout
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if strings.TrimSpace(cfg.ProcessPattern) == "" {
		cfg.ProcessPattern = defaultProcessPattern
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	sorted := append([]model.ServerNode(nil), nodes...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	return &Monitor{
		cfg:         cfg,
		nodes:       sorted,
		executor:    executor,
		counter:     counter,
		logger:      logger,
		latest:      make(map[string]model.ServerMetrics),
		lastKnown:   make(map[string]int),
		quarantined: make(map[string]bool),
	}
}

func (m *Monitor) Config() MonitorConfig {
	return m.cfg
}

func (m *Monitor) Nodes() []model.ServerNode {
	return append([]model.ServerNode(nil), m.nodes...)
}

func (m *Monitor) Node(nodeID string) (model.ServerNode, bool) {
	for _, node := range m.nodes {
		if node.ID == nodeID {
			return node, true
		}
	}
	return model.ServerNode{}, false
}

// Poll samples every node concurrently and returns metrics sorted by node id.
func (m *Monitor) Poll(ctx context.Context) ([]model.ServerMetrics, error) {
	if len(m.nodes) == 0 {
		return nil, nil
	}

	registry := m.loadRegistryCounts(ctx)

	results := make([]model.ServerMetrics, len(m.nodes))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.Concurrency)
	for idx, node := range m.nodes {
		idx, node := idx, node
		g.Go(func() error {
			results[idx] = m.pollNode(gctx, node, registry)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	for _, item := range results {
		m.latest[item.NodeID] = item
	}
	m.mu.Unlock()

	return results, nil
}

// Latest returns the last sampled metrics without polling.
func (m *Monitor) Latest() []model.ServerMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]model.ServerMetrics, 0, len(m.latest))
	for _, node := range m.nodes {
		if item, ok := m.latest[node.ID]; ok {
			item.Quarantined = m.quarantined[node.ID]
			out = append(out, item)
		}
	}
	return out
}

func (m *Monitor) LatestFor(nodeID string) (model.ServerMetrics, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	item, ok := m.latest[nodeID]
	if ok {
		item.Quarantined = m.quarantined[nodeID]
	}
	return item, ok
}

// Quarantine keeps nodeID out of allocation until a later poll of it
// succeeds.
func (m *Monitor) Quarantine(nodeID string) {
	m.mu.Lock()
	m.quarantined[nodeID] = true
	m.mu.Unlock()
}

func (m *Monitor) IsQuarantined(nodeID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.quarantined[nodeID]
}

func (m *Monitor) loadRegistryCounts(ctx context.Context) registryCounts {
	if m.counter == nil {
		return registryCounts{err: errors.New("account counter not configured")}
	}
	counts, err := m.counter.CountByServer(ctx)
	if err != nil {
		m.logger.Warn("load registry account counts failed, falling back", zap.Error(err))
	}
	return registryCounts{counts: counts, err: err}
}

func (m *Monitor) pollNode(ctx context.Context, node model.ServerNode, registry registryCounts) model.ServerMetrics {
	result := model.ServerMetrics{
		NodeID:      node.ID,
		Location:    node.Location,
		MaxAccounts: node.MaxAccounts,
		SampledAt:   time.Now().UTC(),
	}

	probe, probeErr := m.probe(ctx, node)
	var remoteFiles *int
	if probeErr == nil {
		result.Status = model.ServerStatusOnline
		result.CPUUsage = probe.cpu
		result.MemoryUsage = probe.memory
		result.DiskUsage = probe.disk
		result.ProcessCount = probe.processCount
		result.ProcessRunning = probe.processCount > 0
		result.SessionFiles = probe.sessionFiles
		result.NetworkLatency = probe.latency
		remoteFiles = &probe.sessionFiles
	} else {
		result.Status = model.ServerStatusError
		result.Error = probeErr.Error()
		metrics.IncNodePollFailure(node.ID)
		m.logger.Warn("node poll failed", zap.String("node_id", node.ID), zap.String("host", node.Host), zap.Error(probeErr))
	}

	count := m.resolveAccountCount(node.ID, registry, remoteFiles)
	result.CurrentAccounts = count.Value
	result.AccountSource = string(count.Source)

	m.mu.Lock()
	if count.Source == CountFromRegistry || count.Source == CountFromRemoteFiles {
		m.lastKnown[node.ID] = count.Value
	}
	if probeErr == nil && m.quarantined[node.ID] {
		delete(m.quarantined, node.ID)
		m.logger.Info("node quarantine lifted", zap.String("node_id", node.ID))
	}
	result.Quarantined = m.quarantined[node.ID]
	m.mu.Unlock()

	return result
}

// resolveAccountCount prefers the registry, then the remote session file
// count, then the last count that was known for the node.
func (m *Monitor) resolveAccountCount(nodeID string, registry registryCounts, remoteFiles *int) AccountCount {
	if registry.err == nil {
		return AccountCount{Value: registry.counts[nodeID], Source: CountFromRegistry}
	}
	if remoteFiles != nil {
		return AccountCount{Value: *remoteFiles, Source: CountFromRemoteFiles}
	}

	m.mu.RLock()
	last, ok := m.lastKnown[nodeID]
	m.mu.RUnlock()
	if ok {
		return AccountCount{Value: last, Source: CountFromLastKnown}
	}
	return AccountCount{Source: CountUnknown}
}

func (m *Monitor) probe(ctx context.Context, node model.ServerNode) (remoteProbe, error) {
	if m.executor == nil {
		return remoteProbe{}, fmt.Errorf("%w: no remote executor", ErrNodeUnreachable)
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.CommandTimeout)
	defer cancel()

	startedAt := time.Now()
	result, err := m.executor.Run(ctx, node, diagnosticScript(node.DeployDir, m.cfg.ProcessPattern), m.cfg.CommandTimeout)
	elapsed := time.Since(startedAt)
	metrics.ObserveRemoteCommandDuration(elapsed)
	if err != nil {
		if IsUnreachable(err) {
			return remoteProbe{}, err
		}
		return remoteProbe{}, fmt.Errorf("%w: %w", ErrNodeUnreachable, err)
	}
	if result.ExitCode != 0 {
		return remoteProbe{}, fmt.Errorf("diagnostics exited %d: %s", result.ExitCode, strings.TrimSpace(result.Stderr))
	}

	probe, err := parseDiagnostics(result.Stdout)
	if err != nil {
		return remoteProbe{}, err
	}
	probe.latency = elapsed
	if result.Duration > 0 && result.Duration < elapsed {
		probe.latency = elapsed - result.Duration
	}
	return probe, nil
}

func diagnosticScript(deployDir, processPattern string) string {
	dir := ShellQuote(deployDir)
	pattern := ShellQuote(processPattern)
	return strings.Join([]string{
		`echo "process_count=$(pgrep -fc ` + pattern + ` 2>/dev/null || echo 0)"`,
		`echo "session_files=$(ls -1 ` + dir + `/sessions 2>/dev/null | grep -c '\.session$')"`,
		`echo "cpu=$(top -bn1 | awk -F',' '/Cpu\(s\)/ {for (i = 1; i <= NF; i++) if ($i ~ /id/) {gsub(/[^0-9.]/, "", $i); print 100 - $i}}')"`,
		`echo "mem=$(free | awk '/Mem:/ {printf "%.2f", $3 / $2 * 100}')"`,
		`echo "disk=$(df -P ` + dir + ` 2>/dev/null | awk 'NR == 2 {gsub("%", "", $5); print $5}')"`,
	}, "; ")
}

func parseDiagnostics(output string) (remoteProbe, error) {
	values := make(map[string]string)
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(scanner.Text()), "=")
		if !ok {
			continue
		}
		values[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	if err := scanner.Err(); err != nil {
		return remoteProbe{}, err
	}
	if len(values) == 0 {
		return remoteProbe{}, errors.New("diagnostics returned no values")
	}

	var probe remoteProbe
	probe.processCount = parseIntValue(values["process_count"])
	probe.sessionFiles = parseIntValue(values["session_files"])
	probe.cpu = parseFloatValue(values["cpu"])
	probe.memory = parseFloatValue(values["mem"])
	probe.disk = parseFloatValue(values["disk"])
	return probe, nil
}

func parseIntValue(raw string) int {
	// pgrep and grep -c can print a count followed by a fallback "0".
	fields := strings.Fields(raw)
	if len(fields) == 0 {
		return 0
	}
	value, err := strconv.Atoi(fields[0])
	if err != nil || value < 0 {
		return 0
	}
	return value
}

func parseFloatValue(raw string) float64 {
	value, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0
	}
	return clampPercent(value)
}
