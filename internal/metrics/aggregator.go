// Package metrics derives provider status and per-user task statistics. It
// only reads; nothing here mutates tasks or counters.
package metrics

import (
	"context"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sells-group/ai-orchestrator/internal/model"
	"github.com/sells-group/ai-orchestrator/internal/resilience"
)

// Window bounds for Aggregate.
const (
	DefaultWindowDays = 7
	MaxWindowDays     = 90
)

// pageSize is how many tasks Aggregate reads per store round trip.
const pageSize = 500

// Store is the slice of the store the aggregator reads.
type Store interface {
	ListProviders(ctx context.Context, activeOnly bool) ([]model.Provider, error)
	GetProviderMetrics(ctx context.Context, day string) ([]model.ProviderDailyMetrics, error)
	ListTasks(ctx context.Context, filter model.TaskFilter) ([]model.TaskExecution, int, error)
}

// BreakerStates reports the circuit state of a provider.
type BreakerStates interface {
	State(provider string) resilience.CircuitState
}

// Aggregator builds provider snapshots and metrics reports.
type Aggregator struct {
	store    Store
	breakers BreakerStates
	retry    resilience.RetryConfig
	now      func() time.Time
}

// New creates an Aggregator. breakers may be nil.
func New(st Store, breakers BreakerStates, retry resilience.RetryConfig) *Aggregator {
	if retry.Name == "" {
		retry.Name = "metrics"
	}
	return &Aggregator{
		store:    st,
		breakers: breakers,
		retry:    retry,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// ProviderStatusSnapshot returns every provider in chain order with today's
// counters and its circuit state.
func (a *Aggregator) ProviderStatusSnapshot(ctx context.Context) ([]model.ProviderStatusView, error) {
	var (
		providers []model.Provider
		counters  []model.ProviderDailyMetrics
	)
	day := model.DayKey(a.now())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		providers, err = resilience.DoVal(gctx, a.retry, func(ctx context.Context) ([]model.Provider, error) {
			return a.store.ListProviders(ctx, false)
		})
		return err
	})
	g.Go(func() error {
		var err error
		counters, err = resilience.DoVal(gctx, a.retry, func(ctx context.Context) ([]model.ProviderDailyMetrics, error) {
			return a.store.GetProviderMetrics(ctx, day)
		})
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, model.Classify(err, "metrics: provider snapshot")
	}

	byName := make(map[string]model.ProviderDailyMetrics, len(counters))
	for _, c := range counters {
		byName[c.Provider] = c
	}

	model.SortProviders(providers)
	views := make([]model.ProviderStatusView, 0, len(providers))
	for _, p := range providers {
		c := byName[p.Name]
		v := model.ProviderStatusView{
			Provider:                p,
			TotalRequestsToday:      c.Total,
			SuccessfulRequestsToday: c.Succeeded,
			FailedRequestsToday:     c.Failed,
			AvgConfidenceToday:      c.AvgConfidence(),
			AvgLatencyMsToday:       c.AvgLatencyMs(),
			CostToday:               c.CostSum,
		}
		if a.breakers != nil {
			v.CircuitState = a.breakers.State(p.Name).String()
		}
		views = append(views, v)
	}
	return views, nil
}

// Aggregate summarises userID's tasks created in the last windowDays days.
// A zero window uses the default. With no tasks every count and average is
// zero and both groupings are empty.
func (a *Aggregator) Aggregate(ctx context.Context, userID int64, windowDays int) (*model.MetricsReport, error) {
	if windowDays == 0 {
		windowDays = DefaultWindowDays
	}
	if windowDays < 1 || windowDays > MaxWindowDays {
		return nil, model.Invalidf("window must be between 1 and %d days, got %d", MaxWindowDays, windowDays)
	}

	now := a.now()
	since := now.Add(-time.Duration(windowDays) * 24 * time.Hour)

	var (
		tasks     []model.TaskExecution
		providers []model.Provider
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		tasks, err = a.listWindow(gctx, userID, since, now)
		return err
	})
	g.Go(func() error {
		var err error
		providers, err = resilience.DoVal(gctx, a.retry, func(ctx context.Context) ([]model.Provider, error) {
			return a.store.ListProviders(ctx, false)
		})
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, model.Classify(err, "metrics: aggregate")
	}

	displayNames := make(map[string]string, len(providers))
	for _, p := range providers {
		displayNames[p.Name] = p.DisplayName
	}

	report := summarize(tasks, displayNames)
	report.UserID = userID
	report.WindowDays = windowDays
	report.GeneratedAt = now
	return report, nil
}

// listWindow pages through the tasks created in [since, until]. The upper
// bound keeps pages stable while new tasks are created.
func (a *Aggregator) listWindow(ctx context.Context, userID int64, since, until time.Time) ([]model.TaskExecution, error) {
	var all []model.TaskExecution
	for offset := 0; ; offset += pageSize {
		filter := model.TaskFilter{UserID: userID, Since: since, Until: until, Limit: pageSize, Offset: offset}
		page, err := resilience.DoVal(ctx, a.retry, func(ctx context.Context) ([]model.TaskExecution, error) {
			tasks, _, err := a.store.ListTasks(ctx, filter)
			return tasks, err
		})
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < pageSize {
			return all, nil
		}
	}
}

// mean accumulates an average that ignores missing samples.
type mean struct {
	sum float64
	n   int
}

func (m *mean) add(v float64) {
	m.sum += v
	m.n++
}

func (m *mean) addPtr(v *float64) {
	if v != nil {
		m.add(*v)
	}
}

func (m mean) value() float64 {
	if m.n == 0 {
		return 0
	}
	return m.sum / float64(m.n)
}

func summarize(tasks []model.TaskExecution, displayNames map[string]string) *model.MetricsReport {
	type providerAcc struct {
		count int
		conf  mean
		cost  float64
	}
	type dayAcc struct {
		count     int
		completed int
		conf      mean
	}

	var (
		conf, latency mean
		totals        model.MetricsTotals
	)
	byProvider := map[string]*providerAcc{}
	byDay := map[string]*dayAcc{}

	for _, t := range tasks {
		totals.Count++
		switch t.Status {
		case model.TaskCompleted:
			totals.Completed++
		case model.TaskFailed:
			totals.Failed++
		}
		if t.EscalationCount > 0 {
			totals.Escalated++
		}
		conf.addPtr(t.Confidence)
		latency.add(float64(t.ExecutionTimeMs))
		totals.TotalCost += t.TotalCost

		pa := byProvider[t.CurrentProvider]
		if pa == nil {
			pa = &providerAcc{}
			byProvider[t.CurrentProvider] = pa
		}
		pa.count++
		pa.conf.addPtr(t.Confidence)
		pa.cost += t.TotalCost

		key := model.DayKey(t.CreatedAt)
		da := byDay[key]
		if da == nil {
			da = &dayAcc{}
			byDay[key] = da
		}
		da.count++
		if t.Status == model.TaskCompleted {
			da.completed++
		}
		da.conf.addPtr(t.Confidence)
	}
	totals.AvgConfidence = conf.value()
	totals.AvgLatency = latency.value()

	report := &model.MetricsReport{
		Totals:     totals,
		ByProvider: make([]model.ProviderMetrics, 0, len(byProvider)),
		ByDay:      make([]model.DailyMetrics, 0, len(byDay)),
	}
	for name, pa := range byProvider {
		display := displayNames[name]
		if display == "" {
			display = name
		}
		report.ByProvider = append(report.ByProvider, model.ProviderMetrics{
			Provider:      name,
			DisplayName:   display,
			TaskCount:     pa.count,
			AvgConfidence: pa.conf.value(),
			TotalCost:     pa.cost,
		})
	}
	sort.Slice(report.ByProvider, func(i, j int) bool {
		a, b := report.ByProvider[i], report.ByProvider[j]
		if a.TaskCount != b.TaskCount {
			return a.TaskCount > b.TaskCount
		}
		return a.Provider < b.Provider
	})

	for day, da := range byDay {
		report.ByDay = append(report.ByDay, model.DailyMetrics{
			Date:          day,
			Count:         da.count,
			Completed:     da.completed,
			AvgConfidence: da.conf.value(),
		})
	}
	sort.Slice(report.ByDay, func(i, j int) bool {
		return report.ByDay[i].Date < report.ByDay[j].Date
	})
	return report
}
