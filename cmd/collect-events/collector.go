package main

import (
	"math"
	"strconv"
	"strings"

	"github.com/bytedance/sonic"
)

const (
	requestEventName   = "prism.api.board.request"
	requestEventDomain = "app"

	attrRoute         = "http.route"
	attrStatusCode    = "http.status_code"
	attrTotalMillis   = "prism.board.total_ms"
	attrAuthMillis    = "prism.board.auth_ms"
	attrBoardMillis   = "prism.board.board_ms"
	attrItemsReturned = "prism.board.items_returned"
	attrIdempotent    = "prism.board.idempotency_key"
	attrErrorStage    = "prism.board.error_stage"
)

type logRecord struct {
	EventName    string         `json:"event.name"`
	EventDomain  string         `json:"event.domain"`
	SeverityText string         `json:"severity_text"`
	Attributes   map[string]any `json:"attributes"`
}

type numericStats struct {
	Count int
	Sum   float64
	Min   float64
	Max   float64
}

type numericSummary struct {
	Count int     `json:"count"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
}

type boolCounts struct {
	True  int `json:"true"`
	False int `json:"false"`
}

type summaryOutput struct {
	EventName      string                    `json:"event_name"`
	EventDomain    string                    `json:"event_domain"`
	TotalEvents    int                       `json:"total_events"`
	SeverityCounts map[string]int            `json:"severity_counts"`
	StatusCounts   map[string]int            `json:"status_counts"`
	RouteCounts    map[string]int            `json:"route_counts"`
	DurationMs     map[string]numericSummary `json:"duration_ms"`
	ItemsReturned  numericSummary            `json:"items_returned"`
	Idempotent     boolCounts                `json:"idempotency_key"`
	ErrorStages    map[string]int            `json:"error_stages,omitempty"`
	ErrorEvents    int                       `json:"error_events"`
	WarnEvents     int                       `json:"warn_events"`
	SkippedLines   int                       `json:"skipped_lines"`
}

// collector aggregates request events from JSON log lines.
type collector struct {
	eventName   string
	eventDomain string
	skipped     int

	count       int
	severities  map[string]int
	statuses    map[int]int
	routes      map[string]int
	durations   map[string]*numericStats
	items       *numericStats
	idempotent  boolCounts
	errorStages map[string]int
	errors      int
	warnings    int
}

func newCollector(eventName, eventDomain string) *collector {
	return &collector{
		eventName:   eventName,
		eventDomain: eventDomain,
		severities:  make(map[string]int),
		statuses:    make(map[int]int),
		routes:      make(map[string]int),
		durations:   make(map[string]*numericStats),
		errorStages: make(map[string]int),
	}
}

func (c *collector) ingest(line string) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return
	}
	// docker compose prefixes lines with "service |".
	if pipe := strings.Index(trimmed, "|"); pipe >= 0 && !strings.HasPrefix(trimmed, "{") {
		trimmed = strings.TrimSpace(trimmed[pipe+1:])
	}

	var rec logRecord
	if err := sonic.UnmarshalString(trimmed, &rec); err != nil {
		c.skipped++
		return
	}
	if rec.EventName != c.eventName {
		return
	}
	if c.eventDomain != "" && rec.EventDomain != c.eventDomain {
		return
	}
	c.add(rec)
}

func (c *collector) add(rec logRecord) {
	c.count++
	severity := strings.ToUpper(strings.TrimSpace(rec.SeverityText))
	if severity == "" {
		severity = "UNSPECIFIED"
	}
	c.severities[severity]++
	switch severity {
	case "ERROR":
		c.errors++
	case "WARN", "WARNING":
		c.warnings++
	}

	attrs := rec.Attributes
	if attrs == nil {
		return
	}
	if v, ok := asFloat(attrs[attrStatusCode]); ok {
		c.statuses[int(v)]++
	}
	if route, ok := attrs[attrRoute].(string); ok && route != "" {
		c.routes[route]++
	}
	for key, attr := range map[string]string{"total": attrTotalMillis, "auth": attrAuthMillis, "board": attrBoardMillis} {
		if v, ok := asFloat(attrs[attr]); ok {
			c.addDuration(key, v)
		}
	}
	if v, ok := asFloat(attrs[attrItemsReturned]); ok {
		if c.items == nil {
			c.items = newNumericStats()
		}
		c.items.add(v)
	}
	if b, ok := attrs[attrIdempotent].(bool); ok {
		if b {
			c.idempotent.True++
		} else {
			c.idempotent.False++
		}
	}
	if stage, ok := attrs[attrErrorStage].(string); ok && stage != "" {
		c.errorStages[stage]++
	}
}

func (c *collector) addDuration(key string, value float64) {
	stat, ok := c.durations[key]
	if !ok {
		stat = newNumericStats()
		c.durations[key] = stat
	}
	stat.add(value)
}

func newNumericStats() *numericStats {
	return &numericStats{Min: math.MaxFloat64}
}

func (n *numericStats) add(value float64) {
	n.Count++
	n.Sum += value
	n.Min = min(n.Min, value)
	n.Max = max(n.Max, value)
}

func (n *numericStats) summary() numericSummary {
	if n == nil || n.Count == 0 {
		return numericSummary{}
	}
	return numericSummary{Count: n.Count, Min: n.Min, Max: n.Max, Avg: n.Sum / float64(n.Count)}
}

func (c *collector) summary() summaryOutput {
	durations := make(map[string]numericSummary, len(c.durations))
	for key, stat := range c.durations {
		durations[key] = stat.summary()
	}
	statuses := make(map[string]int, len(c.statuses))
	for status, n := range c.statuses {
		statuses[strconv.Itoa(status)] = n
	}
	var stages map[string]int
	if len(c.errorStages) > 0 {
		stages = c.errorStages
	}
	return summaryOutput{
		EventName:      c.eventName,
		EventDomain:    c.eventDomain,
		TotalEvents:    c.count,
		SeverityCounts: c.severities,
		StatusCounts:   statuses,
		RouteCounts:    c.routes,
		DurationMs:     durations,
		ItemsReturned:  c.items.summary(),
		Idempotent:     c.idempotent,
		ErrorStages:    stages,
		ErrorEvents:    c.errors,
		WarnEvents:     c.warnings,
		SkippedLines:   c.skipped,
	}
}

// ShortString renders the headline numbers on one line.
func (s summaryOutput) ShortString() string {
	total := s.DurationMs["total"]
	return strings.Join([]string{
		"event=" + s.EventName,
		"total=" + strconv.Itoa(s.TotalEvents),
		"info=" + strconv.Itoa(s.SeverityCounts["INFO"]),
		"warn=" + strconv.Itoa(s.WarnEvents),
		"error=" + strconv.Itoa(s.ErrorEvents),
		"avg_total_ms=" + formatFloat(total.Avg),
		"max_total_ms=" + formatFloat(total.Max),
	}, " ")
}

func formatFloat(v float64) string {
	if v == 0 {
		return "0"
	}
	return strconv.FormatFloat(v, 'f', 2, 64)
}

func asFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
