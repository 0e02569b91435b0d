package service

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/consensus-hq/agent-pulse-sub000/internal/ledger"
	"github.com/consensus-hq/agent-pulse-sub000/internal/protocol"
	"github.com/consensus-hq/agent-pulse-sub000/internal/storage"
)

// SignalEngine derives the sellable analytics from the append-only pulse
// history. It holds no mutable state of its own; every method is a
// deterministic function of store contents and the clock.
type SignalEngine struct {
	store storage.Store
	clock ledger.Clock
	// trailingEvents bounds how much history one per-agent signal reads.
	trailingEvents int
	// observationWindowSeconds is the uptime/correlation lookback.
	observationWindowSeconds int64
}

type SignalEngineParams struct {
	Store                    storage.Store
	Clock                    ledger.Clock
	TrailingEvents           int
	ObservationWindowSeconds int64
}

func NewSignalEngine(params SignalEngineParams) (*SignalEngine, error) {
	if params.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if params.Clock == nil {
		params.Clock = ledger.SystemClock()
	}
	if params.TrailingEvents <= 0 {
		params.TrailingEvents = 256
	}
	if params.ObservationWindowSeconds <= 0 {
		params.ObservationWindowSeconds = 30 * protocol.SecondsPerDay
	}
	return &SignalEngine{
		store:                    params.Store,
		clock:                    params.Clock,
		trailingEvents:           params.TrailingEvents,
		observationWindowSeconds: params.ObservationWindowSeconds,
	}, nil
}

type agentHistory struct {
	record protocol.AgentRecord
	events []protocol.PulseEvent
	params protocol.ProtocolParams
	now    int64
}

func (e *SignalEngine) loadAgent(ctx context.Context, agent string) (agentHistory, error) {
	addr, err := protocol.NormalizeAddress(agent)
	if err != nil {
		return agentHistory{}, NewAppError(400, "BAD_ADDRESS", err.Error(), false, err)
	}
	params, found, err := e.store.GetParams(ctx)
	if err != nil {
		return agentHistory{}, Internal("read protocol params", err)
	}
	if !found {
		return agentHistory{}, Internal("protocol params missing", storage.ErrParamsMissing)
	}
	rec, _, err := e.store.GetAgent(ctx, addr)
	if err != nil {
		return agentHistory{}, Internal("read agent record", err)
	}
	rec.Address = addr
	events, err := e.store.ListAgentEvents(ctx, addr, e.trailingEvents)
	if err != nil {
		return agentHistory{}, Internal("read pulse history", err)
	}
	return agentHistory{record: rec, events: events, params: params, now: e.clock.Now().UTC().Unix()}, nil
}

func (e *SignalEngine) Reliability(ctx context.Context, agent string) (protocol.ReliabilityReport, error) {
	h, err := e.loadAgent(ctx, agent)
	if err != nil {
		return protocol.ReliabilityReport{}, err
	}
	if len(h.events) == 0 {
		return protocol.ReliabilityReport{}, InsufficientData("reliability", "agent has no pulse history")
	}
	uptime := computeUptime(h.events, h.params.TTLSeconds, h.now-e.observationWindowSeconds, h.now)
	hazard := hazardRate(h.now, h.record.LastPulseAt, h.params.TTLSeconds)
	report := protocol.ReliabilityReport{
		UptimePercent: uptime.UptimePercent,
		Streak:        h.record.Streak,
		HazardRate:    hazard,
	}
	var jitter *float64
	if cv, _, _, ok := jitterOf(h.events); ok {
		jitter = &cv
		report.Jitter = jitter
	}
	report.Score = reliabilityScore(uptime.UptimePercent, h.record.Streak, jitter, hazard)
	return report, nil
}

// reliabilityScore blends uptime, streak, jitter, and hazard into 0..100.
// It is monotone non-decreasing in uptime and streak, non-increasing in
// jitter and hazard. Missing jitter contributes a neutral midpoint so one
// short history cannot inflate the score.
func reliabilityScore(uptimePercent float64, streak int64, jitter *float64, hazard float64) int {
	streakFactor := 100 * float64(streak) / (float64(streak) + 7)
	jitterNorm := 0.5
	if jitter != nil {
		jitterNorm = *jitter / (1 + *jitter)
	}
	score := 0.40*uptimePercent +
		0.25*streakFactor +
		0.20*100*(1-jitterNorm) +
		0.15*100*(1-hazard)
	return clampScore(int(math.Round(score)))
}

func clampScore(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func (e *SignalEngine) Jitter(ctx context.Context, agent string) (protocol.JitterReport, error) {
	h, err := e.loadAgent(ctx, agent)
	if err != nil {
		return protocol.JitterReport{}, err
	}
	cv, mean, n, ok := jitterOf(h.events)
	if !ok {
		return protocol.JitterReport{}, InsufficientData("jitter", "at least two pulses are required")
	}
	return protocol.JitterReport{CoefficientOfVariation: cv, MeanIntervalSeconds: mean, SampleCount: n}, nil
}

// jitterOf is the coefficient of variation of inter-pulse intervals. It needs
// at least one interval, so at least two pulses.
func jitterOf(events []protocol.PulseEvent) (cv, mean float64, samples int, ok bool) {
	intervals := interPulseIntervals(events)
	if len(intervals) == 0 {
		return 0, 0, 0, false
	}
	var sum float64
	for _, d := range intervals {
		sum += d
	}
	mean = sum / float64(len(intervals))
	if mean == 0 {
		return 0, 0, len(intervals), true
	}
	var variance float64
	for _, d := range intervals {
		variance += (d - mean) * (d - mean)
	}
	variance /= float64(len(intervals))
	return math.Sqrt(variance) / mean, mean, len(intervals), true
}

func interPulseIntervals(events []protocol.PulseEvent) []float64 {
	if len(events) < 2 {
		return nil
	}
	out := make([]float64, 0, len(events)-1)
	for i := 1; i < len(events); i++ {
		out = append(out, float64(events[i].Timestamp-events[i-1].Timestamp))
	}
	return out
}

func (e *SignalEngine) Hazard(ctx context.Context, agent string) (protocol.HazardReport, error) {
	h, err := e.loadAgent(ctx, agent)
	if err != nil {
		return protocol.HazardReport{}, err
	}
	if h.record.LastPulseAt == 0 {
		return protocol.HazardReport{}, InsufficientData("hazard", "agent has never pulsed")
	}
	rate := hazardRate(h.now, h.record.LastPulseAt, h.params.TTLSeconds)
	return protocol.HazardReport{
		Rate:           rate,
		ElapsedSeconds: h.now - h.record.LastPulseAt,
		TTLSeconds:     h.params.TTLSeconds,
		HighRisk:       rate >= protocol.HighRiskThreshold,
	}, nil
}

// hazardRate is a quadratic ramp of elapsed time against the TTL: exactly 0
// at the moment of a pulse, crossing the high-risk threshold shortly before
// expiry, capped at 1 past it.
func hazardRate(now, lastPulseAt, ttlSeconds int64) float64 {
	if lastPulseAt == 0 || ttlSeconds <= 0 {
		return 1
	}
	elapsed := now - lastPulseAt
	if elapsed <= 0 {
		return 0
	}
	r := float64(elapsed) / float64(ttlSeconds)
	rate := r * r
	if rate > 1 {
		return 1
	}
	return rate
}

func (e *SignalEngine) Uptime(ctx context.Context, agent string) (protocol.UptimeReport, error) {
	h, err := e.loadAgent(ctx, agent)
	if err != nil {
		return protocol.UptimeReport{}, err
	}
	if len(h.events) == 0 {
		return protocol.UptimeReport{}, InsufficientData("uptime", "agent has no pulse history")
	}
	return computeUptime(h.events, h.params.TTLSeconds, h.now-e.observationWindowSeconds, h.now), nil
}

// computeUptime walks the alive coverage implied by pulses and the TTL over
// [windowStart, now]. A downtime event is one TTL-expiry-to-next-pulse
// interval; MTTR is the mean such interval, MTBF the mean alive stretch
// between them.
func computeUptime(events []protocol.PulseEvent, ttlSeconds, windowStart, now int64) protocol.UptimeReport {
	window := now - windowStart
	if window <= 0 {
		return protocol.UptimeReport{}
	}
	type interval struct{ start, end int64 }
	var merged []interval
	for _, ev := range events {
		start := ev.Timestamp
		end := ev.Timestamp + ttlSeconds
		if len(merged) > 0 && start <= merged[len(merged)-1].end {
			if end > merged[len(merged)-1].end {
				merged[len(merged)-1].end = end
			}
			continue
		}
		merged = append(merged, interval{start: start, end: end})
	}
	var aliveSeconds int64
	var downDurations []int64
	prevEnd := int64(-1)
	for _, iv := range merged {
		start := maxInt64(iv.start, windowStart)
		end := minInt64(iv.end, now)
		if end > start {
			aliveSeconds += end - start
		}
		if prevEnd >= 0 {
			gapStart := maxInt64(prevEnd, windowStart)
			gapEnd := minInt64(iv.start, now)
			if gapEnd > gapStart {
				downDurations = append(downDurations, gapEnd-gapStart)
			}
		}
		prevEnd = iv.end
	}
	if prevEnd >= 0 && prevEnd < now {
		gapStart := maxInt64(prevEnd, windowStart)
		if now > gapStart {
			downDurations = append(downDurations, now-gapStart)
		}
	}
	if aliveSeconds > window {
		aliveSeconds = window
	}
	report := protocol.UptimeReport{
		UptimePercent:  100 * float64(aliveSeconds) / float64(window),
		WindowSeconds:  window,
		DowntimeEvents: len(downDurations),
	}
	if len(downDurations) > 0 {
		var total int64
		for _, d := range downDurations {
			total += d
		}
		report.MTTRSeconds = float64(total) / float64(len(downDurations))
		report.MTBFSeconds = float64(aliveSeconds) / float64(len(downDurations))
	}
	return report
}

func (e *SignalEngine) Streaks(ctx context.Context, agent string) (protocol.StreakReport, error) {
	h, err := e.loadAgent(ctx, agent)
	if err != nil {
		return protocol.StreakReport{}, err
	}
	if len(h.events) == 0 {
		return protocol.StreakReport{}, InsufficientData("streak", "agent has no pulse history")
	}
	report := protocol.StreakReport{
		Current:       h.record.Streak,
		BreakDeadline: h.record.LastPulseAt + h.params.TTLSeconds,
	}
	for _, ev := range h.events {
		if ev.Streak > report.Max {
			report.Max = ev.Streak
		}
	}
	if cv, _, _, ok := jitterOf(h.events); ok {
		report.Consistency = clampScore(int(math.Round(100 / (1 + cv))))
	} else {
		// one pulse is a perfectly regular history of length one
		report.Consistency = 100
	}
	return report, nil
}

func (e *SignalEngine) Risk(ctx context.Context, agent string) (protocol.RiskReport, error) {
	h, err := e.loadAgent(ctx, agent)
	if err != nil {
		return protocol.RiskReport{}, err
	}
	if len(h.events) == 0 {
		return protocol.RiskReport{}, InsufficientData("risk", "agent has no pulse history")
	}
	hazard := hazardRate(h.now, h.record.LastPulseAt, h.params.TTLSeconds)
	report := protocol.RiskReport{HazardRate: hazard, SampleCount: len(h.events)}
	switch {
	case len(h.events) < 3:
		// short history degrades to the most conservative class
		report.Classification = "high"
		report.Confidence = 0.2
	case hazard >= protocol.HighRiskThreshold || h.record.HazardScore >= 80:
		report.Classification = "high"
		report.Confidence = historyConfidence(len(h.events))
	case hazard >= 0.5 || h.record.HazardScore >= 50:
		report.Classification = "medium"
		report.Confidence = historyConfidence(len(h.events))
	default:
		report.Classification = "low"
		report.Confidence = historyConfidence(len(h.events))
	}
	return report, nil
}

func historyConfidence(samples int) float64 {
	c := float64(samples) / 20
	if c > 1 {
		return 1
	}
	return c
}

// Correlation compares pulse cadence across all agents over the observation
// window. Cost grows quadratically with agent count, which is why the batch
// job owns refreshing it rather than the request path.
func (e *SignalEngine) Correlation(ctx context.Context) (protocol.CorrelationReport, error) {
	now := e.clock.Now().UTC().Unix()
	since := now - e.observationWindowSeconds
	events, err := e.store.ListEventsSince(ctx, since)
	if err != nil {
		return protocol.CorrelationReport{}, Internal("read pulse history", err)
	}

	firstDay := since / protocol.SecondsPerDay
	lastDay := now / protocol.SecondsPerDay
	days := int(lastDay-firstDay) + 1
	vectors := make(map[string][]float64)
	for _, ev := range events {
		v, ok := vectors[ev.Agent]
		if !ok {
			v = make([]float64, days)
			vectors[ev.Agent] = v
		}
		idx := int(ev.Timestamp/protocol.SecondsPerDay - firstDay)
		if idx >= 0 && idx < days {
			v[idx] = 1
		}
	}
	if len(vectors) < 2 {
		return protocol.CorrelationReport{}, InsufficientData("correlation", "at least two agents with recent pulses are required")
	}

	agents := make([]string, 0, len(vectors))
	for a := range vectors {
		agents = append(agents, a)
	}
	sort.Strings(agents)

	report := protocol.CorrelationReport{AgentCount: len(agents)}
	parent := make(map[string]string, len(agents))
	for _, a := range agents {
		parent[a] = a
	}
	var find func(string) string
	find = func(a string) string {
		if parent[a] != a {
			parent[a] = find(parent[a])
		}
		return parent[a]
	}
	for i := 0; i < len(agents); i++ {
		for j := i + 1; j < len(agents); j++ {
			coeff := pearson(vectors[agents[i]], vectors[agents[j]])
			report.Pairs = append(report.Pairs, protocol.CorrelationPair{
				AgentA:      agents[i],
				AgentB:      agents[j],
				Coefficient: coeff,
			})
			if coeff >= 0.8 {
				parent[find(agents[i])] = find(agents[j])
			}
		}
	}
	clusters := make(map[string][]string)
	for _, a := range agents {
		root := find(a)
		clusters[root] = append(clusters[root], a)
	}
	roots := make([]string, 0, len(clusters))
	for root := range clusters {
		roots = append(roots, root)
	}
	sort.Strings(roots)
	for _, root := range roots {
		report.Clusters = append(report.Clusters, clusters[root])
	}
	return report, nil
}

func pearson(a, b []float64) float64 {
	n := len(a)
	if n == 0 || n != len(b) {
		return 0
	}
	var sumA, sumB float64
	for i := 0; i < n; i++ {
		sumA += a[i]
		sumB += b[i]
	}
	meanA := sumA / float64(n)
	meanB := sumB / float64(n)
	var cov, varA, varB float64
	for i := 0; i < n; i++ {
		da := a[i] - meanA
		db := b[i] - meanB
		cov += da * db
		varA += da * da
		varB += db * db
	}
	if varA == 0 || varB == 0 {
		return 0
	}
	return cov / math.Sqrt(varA*varB)
}

func (e *SignalEngine) Network(ctx context.Context) (protocol.NetworkReport, error) {
	params, found, err := e.store.GetParams(ctx)
	if err != nil {
		return protocol.NetworkReport{}, Internal("read protocol params", err)
	}
	if !found {
		return protocol.NetworkReport{}, Internal("protocol params missing", storage.ErrParamsMissing)
	}
	agents, err := e.store.ListAgents(ctx)
	if err != nil {
		return protocol.NetworkReport{}, Internal("list agents", err)
	}
	if len(agents) == 0 {
		return protocol.NetworkReport{}, InsufficientData("network", "no agents registered")
	}
	now := e.clock.Now().UTC().Unix()
	report := protocol.NetworkReport{TotalAgents: len(agents)}
	var streakSum, reliabilitySum float64
	for _, rec := range agents {
		if rec.LastPulseAt > 0 && now <= rec.LastPulseAt+params.TTLSeconds {
			report.ActiveAgents++
		}
		streakSum += float64(rec.Streak)
		hazard := hazardRate(now, rec.LastPulseAt, params.TTLSeconds)
		reliabilitySum += float64(reliabilityScore(100*(1-hazard), rec.Streak, nil, hazard))
	}
	report.AverageStreak = streakSum / float64(len(agents))
	report.AverageReliability = reliabilitySum / float64(len(agents))
	activeRatio := float64(report.ActiveAgents) / float64(len(agents))
	switch {
	case activeRatio >= 0.8:
		report.Health = "healthy"
	case activeRatio >= 0.5:
		report.Health = "degraded"
	default:
		report.Health = "critical"
	}
	return report, nil
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
